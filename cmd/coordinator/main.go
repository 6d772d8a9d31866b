// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The coordinator command is the build dispatch daemon of a master.
//
// Slaves report in over its HTTP API, build requests are submitted to
// it, and its scheduler hands each request to a slave according to the
// builder policies of the master configuration. The slave allocation is
// written to -state once resolved and again on shutdown, so that it is
// kept across restarts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.chromium.org/build/dashboard"
	"go.chromium.org/build/internal/coordinator/metrics"
	"go.chromium.org/build/internal/coordinator/pool"
	"go.chromium.org/build/internal/coordinator/schedule"
	"go.chromium.org/build/internal/ctxlog"
)

var (
	configFile = flag.String("config", "master.yaml", "path to the master configuration")
	stateFile  = flag.String("state", "", "if non-empty, the allocation state file to read on start and keep up to date")
	masterName = flag.String("master", "", "name of the master in its metrics; defaults to the instance name")
	listenAddr = flag.String("listen", "localhost:8010", "address to serve the API and status pages on")
	verbose    = flag.Bool("verbose", false, "log debug messages")
	logFormat  = flag.String("log-format", "text", `log format: "text" or "json"`)
)

func main() {
	flag.Parse()
	logger := ctxlog.Root()
	if err := ctxlog.SetFormat(*logFormat); err != nil {
		logger.Fatal(err)
	}
	if *verbose {
		ctxlog.SetLevel("debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.Context(ctx, logger)
	if err := run(ctx); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	cfg, err := dashboard.LoadFile(*configFile)
	if err != nil {
		return err
	}
	sm, err := resolveAllocation(cfg, *stateFile)
	if err != nil {
		return err
	}
	for _, key := range sm.Keys() {
		logger.WithField("builder", key).Infof("allocated slaves %v", sm.Slaves(key))
	}
	if err := persistAllocation(sm, *stateFile); err != nil {
		return err
	}

	reg := pool.NewRegistry(ctx, logger.WithField("component", "registry"))
	sched, err := schedule.NewScheduler(ctx, cfg, sm, reg,
		schedule.WithLogger(logger.WithField("component", "scheduler")))
	if err != nil {
		return err
	}

	ms, err := metrics.Start(*masterName)
	if err != nil {
		return err
	}
	defer ms.Stop()

	s := &server{sm: sm, reg: reg, sched: sched, logger: logger, metrics: ms}
	srv := &http.Server{Addr: *listenAddr, Handler: s.handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		logger.Infof("serving on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	if werr := persistAllocation(sm, *stateFile); werr != nil {
		logger.WithError(werr).Error("writing allocation state on shutdown")
	} else if *stateFile != "" {
		logger.Infof("wrote allocation state to %s", *stateFile)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resolveAllocation resolves the allocation of cfg, keeping the
// assignments recorded in statePath when there is one.
func resolveAllocation(cfg *dashboard.Config, statePath string) (*pool.SlaveMap, error) {
	a, err := cfg.Allocator()
	if err != nil {
		return nil, err
	}
	if statePath != "" {
		st, err := pool.ReadStateFile(statePath)
		if err != nil {
			return nil, err
		}
		if err := a.LoadState(st); err != nil {
			return nil, err
		}
	}
	return a.SlaveMap()
}

// persistAllocation writes the state of sm to statePath, if set.
func persistAllocation(sm *pool.SlaveMap, statePath string) error {
	if statePath == "" {
		return nil
	}
	if err := sm.WriteStateFile(statePath); err != nil {
		return fmt.Errorf("writing allocation state: %w", err)
	}
	return nil
}
