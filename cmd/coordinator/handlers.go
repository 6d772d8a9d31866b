// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/plugin/ochttp"

	"go.chromium.org/build/internal/coordinator/pool"
	"go.chromium.org/build/internal/coordinator/pool/queue"
	"go.chromium.org/build/internal/coordinator/schedule"
	"go.chromium.org/build/types"
)

// maxRequestBody bounds the size of a submitted build request.
const maxRequestBody = 1 << 20

// server serves the slave and build request API and the status pages
// of a master.
type server struct {
	sm      *pool.SlaveMap
	reg     *pool.Registry
	sched   *schedule.Scheduler
	logger  logrus.FieldLogger
	metrics http.Handler // optional
}

// handler returns the HTTP handler for all of the server's routes.
func (s *server) handler() http.Handler {
	r := &metricsRouter{router: httprouter.New()}

	r.POST("/api/slaves/:name/connect", s.slaveEvent(func(name string) bool {
		s.reg.Connect(name)
		return true
	}))
	r.POST("/api/slaves/:name/heartbeat", s.slaveEvent(s.reg.Heartbeat))
	r.POST("/api/slaves/:name/disconnect", s.slaveEvent(func(name string) bool {
		s.sched.Disconnect(name)
		return true
	}))
	r.POST("/api/slaves/:name/idle", s.slaveEvent(s.sched.Release))
	r.GET("/api/slaves/:name/build", s.handleSlaveBuild)

	r.POST("/api/requests", s.handleSubmit)
	r.DELETE("/api/requests/:id", s.handleCancel)

	r.GET("/status/slaves.json", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, s.reg.Status(s.sched.Attached()))
	})
	r.GET("/status/allocation.json", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, &types.AllocationReport{
			Entries:     s.sm.Entries,
			State:       s.sm.State(),
			Unallocated: s.sm.Unallocated,
		})
	})
	r.GET("/status/scheduler.json", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, s.sched.State())
	})
	r.GET("/status/requests/:id", s.handleRequestStatus)
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	return &ochttp.Handler{Handler: r}
}

// slaveEvent returns a handler applying event to the named slave. The
// event reports false if the slave is not connected.
func (s *server) slaveEvent(event func(name string) bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		name := ps.ByName("name")
		if !event(name) {
			http.Error(w, fmt.Sprintf("slave %q is not connected", name), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// buildAssignment is the body of /api/slaves/:name/build.
type buildAssignment struct {
	ID         string           `json:"id"`
	Builder    string           `json:"builder"`
	Properties queue.Properties `json:"properties"`
	Reason     string           `json:"reason"`
}

// handleSlaveBuild tells a slave which build to run, if any.
func (s *server) handleSlaveBuild(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a, ok := s.sched.Assigned(ps.ByName("name"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, &buildAssignment{
		ID:         a.Request.ID,
		Builder:    a.Request.Builder,
		Properties: a.Request.Properties,
		Reason:     a.Reason,
	})
}

// submitRequest is the body of POST /api/requests.
type submitRequest struct {
	Builder       string   `json:"builder"`
	SlavesRequest []string `json:"slaves_request,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "malformed build request: "+err.Error(), http.StatusBadRequest)
		return
	}
	br := &queue.BuildRequest{
		ID:         uuid.NewString(),
		Builder:    req.Builder,
		Properties: queue.Properties{SlavesRequest: req.SlavesRequest},
	}
	if err := s.sched.Enqueue(br); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, schedule.ErrUnknownBuilder) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.logger.WithFields(logrus.Fields{"request": br.ID, "builder": br.Builder}).Info("build requested")
	writeJSON(w, http.StatusCreated, &submitResponse{ID: br.ID})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !s.sched.Cancel(id) {
		http.Error(w, fmt.Sprintf("no pending request %q", id), http.StatusNotFound)
		return
	}
	s.logger.WithField("request", id).Info("build request canceled")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRequestStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	st, ok := s.sched.WaiterState(id)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown request %q", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	j, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	j = append(j, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(j)
}
