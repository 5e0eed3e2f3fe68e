// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDevicesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "discover",
		Name:      "devices_discovered_total",
		Help:      "Total number of device discovery transitions.",
	})
	metricDevicesLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "discover",
		Name:      "devices_lost_total",
		Help:      "Total number of device loss transitions (expiry or byebye).",
	})
	metricSearchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "discover",
		Name:      "searches_sent_total",
		Help:      "Total number of M-SEARCH broadcasts.",
	})
	metricCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediabeacon",
		Subsystem: "discover",
		Name:      "cache_size",
		Help:      "Current number of cached device records, per search target.",
	}, []string{"target"})
)
