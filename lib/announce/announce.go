// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package announce implements the advertisement half of discovery: answering
// M-SEARCH requests for our own devices and multicasting periodic ssdp:alive
// notifications, with ssdp:byebye on the way out.
package announce

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mediabeacon/mediabeacon/lib/config"
	"github.com/mediabeacon/mediabeacon/lib/events"
	"github.com/mediabeacon/mediabeacon/lib/ssdp"
	"github.com/mediabeacon/mediabeacon/lib/upnp"
)

const serverHeader = "Linux/1.0 UPnP/1.0 mediabeacon/1.0"

// A Publisher advertises a set of root devices on the LAN.
type Publisher struct {
	engine   *ssdp.Engine
	evLogger events.Logger

	aliveInterval time.Duration

	timerMut sync.Mutex
	timer    *time.Timer
	started  bool

	mut     sync.Mutex
	devices []*upnp.RootDevice
}

func NewPublisher(engine *ssdp.Engine, evLogger events.Logger, opts config.OptionsConfiguration) *Publisher {
	return &Publisher{
		engine:        engine,
		evLogger:      evLogger,
		aliveInterval: time.Duration(opts.AliveIntervalS) * time.Second,
	}
}

// AddDevice registers a root device for advertisement. Roots already
// registered (same identity and bound address) are not added twice.
func (p *Publisher) AddDevice(root *upnp.RootDevice) {
	p.mut.Lock()
	for _, existing := range p.devices {
		if existing.Equal(root) {
			p.mut.Unlock()
			return
		}
	}
	p.devices = append(p.devices, root)
	started := p.isStarted()
	p.mut.Unlock()

	if started {
		p.sendAlive(root)
	}
}

// RemoveDevice unregisters a root device, announcing its departure.
func (p *Publisher) RemoveDevice(root *upnp.RootDevice) {
	p.mut.Lock()
	found := false
	for i, existing := range p.devices {
		if existing.Equal(root) {
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			found = true
			break
		}
	}
	p.mut.Unlock()

	if found {
		if p.isStarted() {
			p.sendByebye(root)
		}
		p.engine.IncreaseBootID()
	}
}

func (p *Publisher) isStarted() bool {
	p.timerMut.Lock()
	defer p.timerMut.Unlock()
	return p.started
}

// Start registers for inbound searches and begins periodic alive
// notifications.
func (p *Publisher) Start() {
	p.timerMut.Lock()
	if p.started {
		p.timerMut.Unlock()
		return
	}
	p.started = true
	p.timer = time.AfterFunc(p.aliveInterval, p.tick)
	p.timerMut.Unlock()

	p.engine.AddHandler(ssdp.ActionSearch, p)
	p.aliveAll()
}

// Stop sends byebye for every advertised device, rolls the boot ID forward
// and unregisters. Idempotent.
func (p *Publisher) Stop() {
	p.timerMut.Lock()
	if !p.started {
		p.timerMut.Unlock()
		return
	}
	p.started = false
	p.timer.Stop()
	p.timerMut.Unlock()

	// Byebye goes out before we unregister; removing the last handler stops
	// the engine.
	p.mut.Lock()
	devices := make([]*upnp.RootDevice, len(p.devices))
	copy(devices, p.devices)
	p.mut.Unlock()
	for _, root := range devices {
		p.sendByebye(root)
	}
	p.engine.IncreaseBootID()

	p.engine.RemoveHandler(ssdp.ActionSearch, p)
}

// Serve runs the publisher until the context is cancelled.
func (p *Publisher) Serve(ctx context.Context) error {
	p.Start()
	defer p.Stop()
	<-ctx.Done()
	return ctx.Err()
}

func (p *Publisher) String() string {
	return "announce.publisher"
}

func (p *Publisher) tick() {
	p.aliveAll()
	p.timerMut.Lock()
	if p.started {
		p.timer.Reset(p.aliveInterval)
	}
	p.timerMut.Unlock()
}

func (p *Publisher) aliveAll() {
	p.mut.Lock()
	devices := make([]*upnp.RootDevice, len(p.devices))
	copy(devices, p.devices)
	p.mut.Unlock()
	for _, root := range devices {
		p.sendAlive(root)
	}
}

// HandleSSDP answers M-SEARCH requests matching one of our devices. The
// reply is delayed by a random amount bounded by the request's MX, as the
// protocol requires, and sent unicast to the searcher.
func (p *Publisher) HandleSSDP(ev ssdp.Event) {
	if ev.Action != ssdp.ActionSearch {
		return
	}
	st := ev.Headers.Get("ST")
	if st == "" || !containsDiscover(ev.Headers.Get("MAN")) {
		return
	}

	mx := 1
	if v, err := strconv.Atoi(ev.Headers.Get("MX")); err == nil && v > 0 {
		mx = v
	}
	if mx > 5 {
		mx = 5
	}

	p.mut.Lock()
	devices := make([]*upnp.RootDevice, len(p.devices))
	copy(devices, p.devices)
	p.mut.Unlock()

	for _, root := range devices {
		// A root bound to a different interface address than the one this
		// search arrived on is not described by this response.
		if root.NetAddress != nil && !root.NetAddress.IsUnspecified() &&
			ev.LocalAddr != nil && !root.NetAddress.Equal(ev.LocalAddr) {
			continue
		}
		for _, nt := range matchingTypes(root, st) {
			root, nt := root, nt
			delay := time.Duration(rand.Int63n(int64(mx) * int64(time.Second)))
			time.AfterFunc(delay, func() {
				p.respond(root, nt, ev)
			})
		}
	}
}

func containsDiscover(man string) bool {
	return man == `"ssdp:discover"` || man == "ssdp:discover"
}

// matchingTypes returns the notification types of root that satisfy the
// search target.
func matchingTypes(root *upnp.RootDevice, st string) []string {
	all := notificationTypes(root)
	if st == "ssdp:all" {
		return all
	}
	for _, nt := range all {
		if nt == st {
			return []string{nt}
		}
	}
	return nil
}

// notificationTypes lists the types a root advertises: the rootdevice
// marker, its UDN, its URN and the URNs of its embedded services.
func notificationTypes(root *upnp.RootDevice) []string {
	nts := []string{"upnp:rootdevice", root.UDN(), root.URN()}
	for _, child := range root.Children() {
		nts = append(nts, child.URN())
	}
	return nts
}

func usnFor(root *upnp.RootDevice, nt string) string {
	if nt == root.UDN() {
		return nt
	}
	return root.UDN() + "::" + nt
}

func (p *Publisher) respond(root *upnp.RootDevice, nt string, ev ssdp.Event) {
	location := ""
	if root.Location != nil {
		location = root.Location.String()
	}

	headers := ssdp.Headers{
		{Key: "CACHE-CONTROL", Value: fmt.Sprintf("max-age=%d", int(root.CacheLifetime.Seconds()))},
		{Key: "DATE", Value: time.Now().UTC().Format(time.RFC1123)},
		{Key: "EXT", Value: ""},
		{Key: "LOCATION", Value: location},
		{Key: "SERVER", Value: serverHeader},
		{Key: "ST", Value: nt},
		{Key: "USN", Value: usnFor(root, nt)},
		{Key: "BOOTID.UPNP.ORG", Value: strconv.Itoa(p.engine.BootID())},
		{Key: "CONFIGID.UPNP.ORG", Value: strconv.Itoa(p.engine.ConfigID())},
	}
	if port := p.engine.PortFor(ev.LocalAddr); port != ssdp.SSDPPort {
		headers.Set("SEARCHPORT.UPNP.ORG", strconv.Itoa(port))
	}

	dst := &net.UDPAddr{IP: ev.Sender.IP, Port: ev.ReplyPort, Zone: ev.Sender.Zone}
	if err := p.engine.SendUnicast(ssdp.ActionResponse, headers, ev.LocalAddr, dst); err != nil {
		l.Debugln("search response to", dst, err)
	}
}

func (p *Publisher) sendAlive(root *upnp.RootDevice) {
	location := ""
	if root.Location != nil {
		location = root.Location.String()
	}

	for _, nt := range notificationTypes(root) {
		headers := ssdp.Headers{
			{Key: "HOST", Value: ""}, // rewritten per interface by the engine
			{Key: "CACHE-CONTROL", Value: fmt.Sprintf("max-age=%d", int(root.CacheLifetime.Seconds()))},
			{Key: "LOCATION", Value: location},
			{Key: "NT", Value: nt},
			{Key: "NTS", Value: "ssdp:alive"},
			{Key: "SERVER", Value: serverHeader},
			{Key: "USN", Value: usnFor(root, nt)},
			{Key: "BOOTID.UPNP.ORG", Value: strconv.Itoa(p.engine.BootID())},
			{Key: "CONFIGID.UPNP.ORG", Value: strconv.Itoa(p.engine.ConfigID())},
		}
		if err := p.engine.SendMulticast(ssdp.ActionNotify, headers, familyFor(root.NetAddress), 0); err != nil {
			l.Debugln("alive for", root, err)
			return
		}
	}
	p.evLogger.Log(events.DeviceAnnounced, map[string]interface{}{"udn": root.UDN(), "nts": "ssdp:alive"})
}

func (p *Publisher) sendByebye(root *upnp.RootDevice) {
	for _, nt := range notificationTypes(root) {
		headers := ssdp.Headers{
			{Key: "HOST", Value: ""},
			{Key: "NT", Value: nt},
			{Key: "NTS", Value: "ssdp:byebye"},
			{Key: "USN", Value: usnFor(root, nt)},
			{Key: "BOOTID.UPNP.ORG", Value: strconv.Itoa(p.engine.BootID())},
			{Key: "CONFIGID.UPNP.ORG", Value: strconv.Itoa(p.engine.ConfigID())},
		}
		if err := p.engine.SendMulticast(ssdp.ActionNotify, headers, familyFor(root.NetAddress), 0); err != nil {
			l.Debugln("byebye for", root, err)
			return
		}
	}
	p.evLogger.Log(events.DeviceAnnounced, map[string]interface{}{"udn": root.UDN(), "nts": "ssdp:byebye"})
}

func familyFor(addr net.IP) ssdp.AddressFamily {
	switch {
	case addr == nil || addr.IsUnspecified():
		return ssdp.FamilyAny
	case addr.To4() != nil:
		return ssdp.FamilyIPv4
	default:
		return ssdp.FamilyIPv6
	}
}
