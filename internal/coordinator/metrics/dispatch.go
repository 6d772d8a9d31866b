// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metrics

import (
	"context"
	"time"

	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Reasons a slave was picked for a build request.
const (
	ReasonExplicit  = "explicit"  // named in the request's slaves_request
	ReasonCategory  = "category"  // tryserver category and specialization order
	ReasonPreferred = "preferred" // the slave prefers the builder
	ReasonBorrowed  = "borrowed"  // taken from another builder's preferred slaves
	ReasonAny       = "any"       // no preference applied
	ReasonPrimary   = "primary"
	ReasonFloating  = "floating"
	ReasonFirst     = "first"
)

var (
	KeyBuilder = tag.MustNewKey("dispatch.builder")
	KeyReason  = tag.MustNewKey("dispatch.reason")
)

var (
	MAssignments      = stats.Int64("dispatch/assignments", "Build requests handed to a slave", stats.UnitDimensionless)
	MPending          = stats.Int64("dispatch/pending", "Build requests waiting for a slave", stats.UnitDimensionless)
	MIdleSlaves       = stats.Int64("dispatch/idle_slaves", "Connected slaves not running a build", stats.UnitDimensionless)
	MFloatingFallback = stats.Int64("dispatch/floating_fallbacks", "Builds sent to a floating slave because no primary was present", stats.UnitDimensionless)
	MPokeDelay        = stats.Float64("dispatch/poke_delay", "Delay of scheduled builder re-pokes", stats.UnitMilliseconds)
	MQueueWait        = stats.Float64("dispatch/queue_wait", "Time a build request waited for a slave", stats.UnitMilliseconds)
)

// Views should contain all measurements. All *view.View added to this
// slice will be registered and exported to the metric service.
var Views = []*view.View{
	{
		Name:        "chrome-infra/dispatch/assignments",
		Description: "Count of build requests handed to a slave, by builder and reason",
		Measure:     MAssignments,
		TagKeys:     []tag.Key{KeyBuilder, KeyReason},
		Aggregation: view.Count(),
	},
	{
		Name:        "chrome-infra/dispatch/pending",
		Description: "Number of build requests waiting for a slave, by builder",
		Measure:     MPending,
		TagKeys:     []tag.Key{KeyBuilder},
		Aggregation: view.LastValue(),
	},
	{
		Name:        "chrome-infra/dispatch/idle_slaves",
		Description: "Number of connected idle slaves",
		Measure:     MIdleSlaves,
		Aggregation: view.LastValue(),
	},
	{
		Name:        "chrome-infra/dispatch/floating_fallbacks",
		Description: "Count of builds sent to floating slaves, by builder",
		Measure:     MFloatingFallback,
		TagKeys:     []tag.Key{KeyBuilder},
		Aggregation: view.Count(),
	},
	{
		Name:        "chrome-infra/dispatch/pokes",
		Description: "Count of builder re-pokes scheduled while waiting out a grace period",
		Measure:     MPokeDelay,
		TagKeys:     []tag.Key{KeyBuilder},
		Aggregation: view.Count(),
	},
	{
		Name:        "chrome-infra/dispatch/queue_wait",
		Description: "Distribution of time build requests waited for a slave",
		Measure:     MQueueWait,
		TagKeys:     []tag.Key{KeyBuilder},
		Aggregation: view.Distribution(100, 1000, 10000, 60000, 300000, 900000, 3600000, 14400000),
	},
	{
		Name:        "chrome-infra/dispatch/http/server/latency",
		Description: "Latency distribution of HTTP requests",
		Measure:     ochttp.ServerLatency,
		TagKeys:     []tag.Key{ochttp.KeyServerRoute},
		Aggregation: ochttp.DefaultLatencyDistribution,
	},
	{
		Name:        "chrome-infra/dispatch/http/server/response_count_by_status_code",
		Description: "Server response count by status code",
		TagKeys:     []tag.Key{ochttp.StatusCode, ochttp.KeyServerRoute},
		Measure:     ochttp.ServerLatency,
		Aggregation: view.Count(),
	},
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// RecordAssignment records that a request for builder waited wait and
// was handed to a slave for reason.
func RecordAssignment(ctx context.Context, builder, reason string, wait time.Duration) {
	stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KeyBuilder, builder), tag.Upsert(KeyReason, reason)},
		MAssignments.M(1))
	stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KeyBuilder, builder)},
		MQueueWait.M(ms(wait)))
}

// RecordPending records the number of requests waiting for builder.
func RecordPending(ctx context.Context, builder string, n int) {
	stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KeyBuilder, builder)}, MPending.M(int64(n)))
}

// RecordIdle records the number of connected idle slaves.
func RecordIdle(ctx context.Context, n int) {
	stats.Record(ctx, MIdleSlaves.M(int64(n)))
}

// RecordFloatingFallback records that builder fell over to a floating
// slave.
func RecordFloatingFallback(ctx context.Context, builder string) {
	stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KeyBuilder, builder)}, MFloatingFallback.M(1))
}

// RecordPoke records a re-poke of builder scheduled after d.
func RecordPoke(ctx context.Context, builder string, d time.Duration) {
	stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(KeyBuilder, builder)}, MPokeDelay.M(ms(d)))
}
