// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dagtree

import "github.com/prometheus/client_golang/prometheus"

// These replace the in-process counters _examples/aghassemi-go.ref/services/syncbase/sync/dag.go
// exposes via v.io/x/ref/lib/stats (numObj, numNode, ...) with
// Prometheus collectors, labeled by tree name so a process hosting
// several perspectives (local, stage, one per remote) reports each
// separately.
var (
	nodesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastersync",
		Subsystem: "dagtree",
		Name:      "nodes_written_total",
		Help:      "DAG nodes successfully persisted, by tree.",
	}, []string{"tree"})

	headConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastersync",
		Subsystem: "dagtree",
		Name:      "head_conflicts_total",
		Help:      "Times a write left more than one clean head for an id, by tree.",
	}, []string{"tree"})
)

func init() {
	prometheus.MustRegister(nodesWritten, headConflicts)
}
