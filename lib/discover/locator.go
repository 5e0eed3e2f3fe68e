// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discover maintains the live set of devices found on the LAN. It
// periodically broadcasts M-SEARCH requests, consumes NOTIFY and search
// response traffic from the SSDP engine, and raises discovered/lost events.
package discover

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediabeacon/mediabeacon/lib/config"
	"github.com/mediabeacon/mediabeacon/lib/events"
	"github.com/mediabeacon/mediabeacon/lib/ssdp"
)

// Base search wait in seconds. The MX actually sent is one less, floored at
// one second, to reduce simultaneous-reply storms on re-poll cycles.
const defaultSearchWait = 3

const userAgent = "mediabeacon/1.0 UPnP/1.0"

// A Locator owns one discovery cache. Target, when non-empty, is both the ST
// used in searches and a filter on which notifications are cached.
type Locator struct {
	engine   *ssdp.Engine
	evLogger events.Logger
	target   string

	grace           time.Duration
	initialInterval time.Duration
	interval        time.Duration
	disabled        bool

	timerMut sync.Mutex
	timer    *time.Timer
	started  bool
	slow     bool

	cacheSize prometheus.Gauge

	// The device list has its own lock, distinct from the timer lock.
	// Events are always raised outside of it.
	mut     sync.Mutex
	devices []*DiscoveredDevice
}

func NewLocator(engine *ssdp.Engine, evLogger events.Logger, target string, opts config.OptionsConfiguration) *Locator {
	label := target
	if label == "" {
		label = "ssdp:all"
	}
	return &Locator{
		engine:          engine,
		evLogger:        evLogger,
		target:          target,
		grace:           time.Duration(opts.SearchGraceS) * time.Second,
		initialInterval: time.Duration(opts.InitialSearchIntervalS) * time.Second,
		interval:        time.Duration(opts.SearchIntervalS) * time.Second,
		disabled:        opts.SearchIntervalS == config.DisabledSearchInterval,
		cacheSize:       metricCacheSize.WithLabelValues(label),
	}
}

// Start registers the locator with the engine and arms the periodic timer.
// The first firing is delayed by the grace period to avoid flooding the
// network right at process start. With searching disabled the timer still
// drives cache eviction, but no M-SEARCH is sent.
func (c *Locator) Start() {
	c.timerMut.Lock()
	defer c.timerMut.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.engine.AddHandler(ssdp.ActionResponse, c)
	c.engine.AddHandler(ssdp.ActionNotify, c)

	c.timer = time.AfterFunc(c.grace, c.tick)
}

// SlowDown switches from the fast initial interval to the steady state
// interval. An already armed timer cycle is not interrupted.
func (c *Locator) SlowDown() {
	c.timerMut.Lock()
	c.slow = true
	c.timerMut.Unlock()
}

// Stop cancels the timer and unregisters the handlers. Safe to call from any
// goroutine, and more than once.
func (c *Locator) Stop() {
	c.timerMut.Lock()
	if !c.started {
		c.timerMut.Unlock()
		return
	}
	c.started = false
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerMut.Unlock()

	c.engine.RemoveHandler(ssdp.ActionResponse, c)
	c.engine.RemoveHandler(ssdp.ActionNotify, c)
}

// Serve runs the locator until the context is cancelled.
func (c *Locator) Serve(ctx context.Context) error {
	c.Start()
	defer c.Stop()
	<-ctx.Done()
	return ctx.Err()
}

func (c *Locator) String() string {
	target := c.target
	if target == "" {
		target = "ssdp:all"
	}
	return fmt.Sprintf("locator(%s)", target)
}

// Devices returns a snapshot of the current cache.
func (c *Locator) Devices() []*DiscoveredDevice {
	c.mut.Lock()
	defer c.mut.Unlock()
	ds := make([]*DiscoveredDevice, len(c.devices))
	copy(ds, c.devices)
	return ds
}

func (c *Locator) tick() {
	c.sweep(time.Now())
	if !c.disabled {
		c.search()
	}

	c.timerMut.Lock()
	if c.started {
		next := c.initialInterval
		if c.slow && !c.disabled {
			next = c.interval
		}
		c.timer.Reset(next)
	}
	c.timerMut.Unlock()
}

// sweep removes expired entries and fires DeviceLost once per distinct USN
// among them.
func (c *Locator) sweep(now time.Time) {
	c.mut.Lock()
	var removed []*DiscoveredDevice
	kept := c.devices[:0]
	for _, d := range c.devices {
		if d.IsExpiredAt(now) {
			removed = append(removed, d)
		} else {
			kept = append(kept, d)
		}
	}
	c.devices = kept
	c.cacheSize.Set(float64(len(c.devices)))
	c.mut.Unlock()

	if len(removed) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(removed))
	for _, d := range removed {
		if _, ok := seen[d.USN]; ok {
			continue
		}
		seen[d.USN] = struct{}{}
		l.Debugln(c, "expired", d)
		metricDevicesLost.Inc()
		c.evLogger.Log(events.DeviceLost, d)
	}
}

func (c *Locator) search() {
	mx := defaultSearchWait - 1
	if mx < 1 {
		mx = 1
	}
	st := c.target
	if st == "" {
		st = "ssdp:all"
	}

	headers := ssdp.Headers{
		{Key: "HOST", Value: ""}, // rewritten per interface by the engine
		{Key: "MAN", Value: `"ssdp:discover"`},
		{Key: "MX", Value: fmt.Sprint(mx)},
		{Key: "ST", Value: st},
		{Key: "USER-AGENT", Value: userAgent},
	}

	if err := c.engine.SendMulticast(ssdp.ActionSearch, headers, ssdp.FamilyAny, 0); err != nil {
		l.Debugln(c, "search:", err)
		return
	}
	metricSearchesSent.Inc()
	c.evLogger.Log(events.SearchSent, map[string]interface{}{"st": st})
}

// HandleSSDP consumes search responses and NOTIFY messages. Malformed
// messages are dropped; corrupt SSDP is common on real networks and must
// never take the locator down.
func (c *Locator) HandleSSDP(ev ssdp.Event) {
	now := time.Now()
	switch ev.Action {
	case ssdp.ActionResponse:
		rec, err := parseRecord(ev, "ST", now)
		if err != nil {
			l.Debugln(c, "dropping response:", err)
			return
		}
		c.alive(rec)

	case ssdp.ActionNotify:
		if strings.Contains(ev.Headers.Get("NTS"), "byebye") {
			c.byebye(ev)
			return
		}
		rec, err := parseRecord(ev, "NT", now)
		if err != nil {
			l.Debugln(c, "dropping notify:", err)
			return
		}
		c.alive(rec)
	}
}

func (c *Locator) matchesTarget(rec *DiscoveredDevice) bool {
	if c.target == "" {
		return true
	}
	return rec.NotificationType == c.target || strings.Contains(rec.USN, c.target)
}

// alive upserts a record. The new message's headers and lifetime fully
// supersede a matching older record: replace, never mutate in place.
func (c *Locator) alive(rec *DiscoveredDevice) {
	if !c.matchesTarget(rec) {
		return
	}

	c.mut.Lock()
	idx := -1
	isNew := true

	// Match precedence: same location; else a USN-less placeholder at the
	// same endpoint; else same (notification type, USN) pair.
	if rec.Location != "" {
		for i, d := range c.devices {
			if d.Location == rec.Location {
				idx = i
				isNew = d.USN == ""
				break
			}
		}
	}
	if idx < 0 {
		for i, d := range c.devices {
			if d.USN == "" && sameEndpoint(d.Endpoint, rec.Endpoint) {
				idx = i
				isNew = true
				break
			}
		}
	}
	if idx < 0 && rec.USN != "" {
		for i, d := range c.devices {
			if d.NotificationType == rec.NotificationType && d.USN == rec.USN {
				idx = i
				isNew = false
				break
			}
		}
	}

	if idx >= 0 {
		c.devices = append(c.devices[:idx], c.devices[idx+1:]...)
	}
	c.devices = append(c.devices, rec)
	c.cacheSize.Set(float64(len(c.devices)))
	c.mut.Unlock()

	if isNew {
		l.Debugln(c, "discovered", rec)
		metricDevicesDiscovered.Inc()
		c.evLogger.Log(events.DeviceDiscovered, rec)
	}
}

// byebye evicts every cached entry sharing the departing USN; there may
// legitimately be more than one, e.g. one per notification type.
func (c *Locator) byebye(ev ssdp.Event) {
	if ev.Headers.Get("NT") == "" {
		// Noise.
		return
	}
	usn := ev.Headers.Get("USN")
	if usn == "" {
		return
	}

	c.mut.Lock()
	var removed []*DiscoveredDevice
	kept := c.devices[:0]
	for _, d := range c.devices {
		if d.USN == usn {
			removed = append(removed, d)
		} else {
			kept = append(kept, d)
		}
	}
	c.devices = kept
	c.cacheSize.Set(float64(len(c.devices)))
	c.mut.Unlock()

	for _, d := range removed {
		l.Debugln(c, "byebye", d)
		metricDevicesLost.Inc()
		c.evLogger.Log(events.DeviceLost, d)
	}
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
