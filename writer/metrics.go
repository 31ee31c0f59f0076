// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package writer

import "github.com/prometheus/client_golang/prometheus"

var (
	batchesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastersync",
		Subsystem: "writer",
		Name:      "batches_total",
		Help:      "Batches run through the pipeline, by perspective.",
	}, []string{"perspective"})

	localMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mastersync",
		Subsystem: "writer",
		Name:      "local_merges_total",
		Help:      "Local head merges attempted, by outcome (merged or conflict).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(batchesProcessed, localMerges)
}
