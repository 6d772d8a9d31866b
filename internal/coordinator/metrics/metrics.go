// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics records the dispatch decisions of a build master and
// exports them to Cloud Monitoring, or serves them for Prometheus when
// the master does not run on Compute Engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/compute/metadata"
	"contrib.go.opencensus.io/exporter/prometheus"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"go.opencensus.io/stats/view"
	mrpb "google.golang.org/genproto/googleapis/api/monitoredres"
)

const (
	namespace = "dispatch"

	localPeriod = 5 * time.Second
	cloudPeriod = time.Minute // the Cloud Monitoring minimum
)

// An Exporter publishes the dispatch Views. Off Compute Engine it
// serves them over HTTP in the Prometheus text format.
type Exporter struct {
	cloud *stackdriver.Exporter
	local *prometheus.Exporter
}

// Start registers Views and exports them on behalf of the named
// master. Stop must be called before exiting.
func Start(master string) (*Exporter, error) {
	if err := view.Register(Views...); err != nil {
		return nil, fmt.Errorf("registering dispatch views: %w", err)
	}
	if !metadata.OnGCE() {
		return startLocal()
	}
	res, err := TaskResource(gceInstance{}, master)
	if err != nil {
		return nil, err
	}
	return startCloud(res)
}

func startLocal() (*Exporter, error) {
	pe, err := prometheus.NewExporter(prometheus.Options{Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	view.SetReportingPeriod(localPeriod)
	view.RegisterExporter(pe)
	return &Exporter{local: pe}, nil
}

func startCloud(res *Resource) (*Exporter, error) {
	sde, err := stackdriver.NewExporter(stackdriver.Options{
		ProjectID:         res.Labels["project_id"],
		MonitoredResource: res,
		MetricPrefix:      namespace,
		ReportingInterval: cloudPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("stackdriver exporter: %w", err)
	}
	view.SetReportingPeriod(cloudPeriod)
	if err := sde.StartMetricsExporter(); err != nil {
		return nil, err
	}
	return &Exporter{cloud: sde}, nil
}

// ServeHTTP serves the local metrics, or 404 when they go to Cloud
// Monitoring instead.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.local == nil {
		http.NotFound(w, r)
		return
	}
	e.local.ServeHTTP(w, r)
}

// Stop flushes unsent data and stops exporting.
func (e *Exporter) Stop() {
	if e.local != nil {
		view.UnregisterExporter(e.local)
	}
	if e.cloud != nil {
		e.cloud.Flush()
		e.cloud.StopMetricsExporter()
	}
}

// Resource is the monitored resource metrics are reported against. It
// implements the exporter's monitoredresource.Interface.
type Resource mrpb.MonitoredResource

func (r *Resource) MonitoredResource() (string, map[string]string) {
	return r.Type, r.Labels
}

// instanceInfo is what TaskResource needs from the metadata server.
type instanceInfo interface {
	ProjectID() (string, error)
	Zone() (string, error)
	InstanceName() (string, error)
}

type gceInstance struct{}

func (gceInstance) ProjectID() (string, error)    { return metadata.ProjectID() }
func (gceInstance) Zone() (string, error)         { return metadata.Zone() }
func (gceInstance) InstanceName() (string, error) { return metadata.InstanceName() }

// TaskResource describes a master as a generic_task: the job is the
// master's name and the task is the instance it runs on.
func TaskResource(in instanceInfo, master string) (*Resource, error) {
	proj, err := in.ProjectID()
	if err != nil {
		return nil, fmt.Errorf("project id: %w", err)
	}
	zone, err := in.Zone()
	if err != nil {
		return nil, fmt.Errorf("zone: %w", err)
	}
	instance, err := in.InstanceName()
	if err != nil {
		return nil, fmt.Errorf("instance name: %w", err)
	}
	if master == "" {
		master = instance
	}
	return &Resource{
		Type: "generic_task",
		Labels: map[string]string{
			"project_id": proj,
			"location":   zone,
			"namespace":  "chromium-build",
			"job":        master,
			"task_id":    instance,
		},
	}, nil
}
