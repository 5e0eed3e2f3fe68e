// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ssdp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "ssdp",
		Name:      "packets_received_total",
		Help:      "Total number of SSDP datagrams received.",
	})
	metricPacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "ssdp",
		Name:      "packets_dropped_total",
		Help:      "Total number of SSDP datagrams dropped before dispatch, by reason.",
	}, []string{"reason"})
	metricPacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "ssdp",
		Name:      "packets_sent_total",
		Help:      "Total number of SSDP datagrams sent, by kind.",
	}, []string{"kind"})
	metricBindFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "ssdp",
		Name:      "bind_failures_total",
		Help:      "Total number of per-interface socket bind failures.",
	})
	metricRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "ssdp",
		Name:      "restarts_total",
		Help:      "Total number of engine restarts due to topology changes.",
	})
	metricHandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabeacon",
		Subsystem: "ssdp",
		Name:      "handler_panics_total",
		Help:      "Total number of recovered handler panics during dispatch.",
	})
)
