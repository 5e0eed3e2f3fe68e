// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ssdp implements the SSDP transport and dispatch engine: the socket
// pair per network interface, the wire codec, and routing of inbound messages
// to registered handlers by start line.
package ssdp

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mediabeacon/mediabeacon/lib/config"
	"github.com/mediabeacon/mediabeacon/lib/events"
)

var (
	ErrNotRunning   = errors.New("engine is not running")
	ErrNoInterfaces = errors.New("no usable interfaces")
	ErrNotCreated   = errors.New("engine has not been created")
)

// An Event is one inbound message as delivered to handlers.
type Event struct {
	Action  string
	Headers Headers
	// Sender is the peer endpoint the datagram arrived from.
	Sender *net.UDPAddr
	// LocalAddr is the local interface address to respond from.
	LocalAddr net.IP
	// ReplyPort is the port replies should go to. Usually the sender port,
	// but UPnP 1.1+ peers may redirect replies via SEARCHPORT.UPNP.ORG.
	ReplyPort int
}

// A Handler consumes inbound messages for the action it registered for.
// Handlers are invoked synchronously on the receiving interface's loop and
// must not block for long.
type Handler interface {
	HandleSSDP(ev Event)
}

type AddressFamily int

const (
	FamilyAny AddressFamily = iota
	FamilyIPv4
	FamilyIPv6
)

func (f AddressFamily) matches(intf Interface) bool {
	switch f {
	case FamilyIPv4:
		return !intf.IsIPv6()
	case FamilyIPv6:
		return intf.IsIPv6()
	default:
		return true
	}
}

type engineState int

const (
	stateStopped engineState = iota
	stateStarting
	stateRunning
	stateStopping
)

const (
	// Bursts of OS network change notifications within this window collapse
	// into a single restart.
	defaultRestartDebounce = 2 * time.Second

	// Pause between repeated transmissions of the same multicast.
	defaultRepeatDelay = 100 * time.Millisecond

	unicastBindAttempts = 10
)

// A listener is the bound socket pair for one interface.
type listener struct {
	intf  Interface
	mcast Socket
	ucast Socket
}

// The Engine owns one socket pair per interface and dispatches inbound
// messages to registered handlers. Registering the first handler starts it,
// removing the last stops it.
type Engine struct {
	opts     config.OptionsConfiguration
	factory  SocketFactory
	evLogger events.Logger

	// localNetwork overrides the LAN membership test when the host provides
	// one. The default derives membership from the interface subnets.
	localNetwork func(net.IP) bool

	mut            sync.Mutex
	state          engineState
	handlers       map[string][]Handler
	intfs          []Interface
	listeners      []*listener
	permitted      []*net.IPNet
	denied         []*net.IPNet
	tracingFilter  net.IP
	bootID         int
	nextBootID     int
	configID       int
	restartPending bool
	restartTimer   *time.Timer

	// Overridable in tests.
	debounce    time.Duration
	repeatDelay time.Duration
}

var (
	procEngine *Engine
	procMut    sync.Mutex
)

// GetOrCreate returns the process wide engine, creating it on first call.
// Subsequent calls only update the interface set of the existing instance.
func GetOrCreate(opts config.OptionsConfiguration, intfs []Interface, evLogger events.Logger) *Engine {
	procMut.Lock()
	defer procMut.Unlock()
	if procEngine == nil {
		procEngine = New(opts, intfs, NewUDPSocketFactory(), evLogger)
		return procEngine
	}
	procEngine.UpdateInterfaces(intfs)
	return procEngine
}

// Get returns the process wide engine, or an error if GetOrCreate has not
// been called. Calling into discovery before the engine exists is a caller
// contract violation.
func Get() (*Engine, error) {
	procMut.Lock()
	defer procMut.Unlock()
	if procEngine == nil {
		return nil, ErrNotCreated
	}
	return procEngine, nil
}

func New(opts config.OptionsConfiguration, intfs []Interface, factory SocketFactory, evLogger events.Logger) *Engine {
	e := &Engine{
		opts:        opts,
		factory:     factory,
		evLogger:    evLogger,
		handlers:    make(map[string][]Handler),
		intfs:       slices.Clone(intfs),
		permitted:   parseAddressList(opts.PermittedAddresses),
		denied:      parseAddressList(opts.DeniedAddresses),
		bootID:      1,
		nextBootID:  2,
		configID:    1,
		debounce:    defaultRestartDebounce,
		repeatDelay: defaultRepeatDelay,
	}
	if opts.SSDPTracingFilter != "" {
		e.tracingFilter = net.ParseIP(opts.SSDPTracingFilter)
	}
	return e
}

// SetLocalNetworkFunc installs a host provided LAN membership test.
func (e *Engine) SetLocalNetworkFunc(fn func(net.IP) bool) {
	e.mut.Lock()
	e.localNetwork = fn
	e.mut.Unlock()
}

// AddHandler registers a handler for an inbound action. The first handler
// registered on a stopped engine starts it. Re-registering the same handler
// for the same action is a no-op.
func (e *Engine) AddHandler(action string, h Handler) {
	e.mut.Lock()
	defer e.mut.Unlock()

	for _, existing := range e.handlers[action] {
		if existing == h {
			return
		}
	}
	e.handlers[action] = append(e.handlers[action], h)
	l.Debugf("Registered handler for %q (%d total)", action, e.handlerCountLocked())

	if e.state == stateStopped {
		e.startLocked()
	}
}

// RemoveHandler unregisters a handler. Removing the last handler across all
// actions stops the engine.
func (e *Engine) RemoveHandler(action string, h Handler) {
	e.mut.Lock()
	defer e.mut.Unlock()

	hs := e.handlers[action]
	for i, existing := range hs {
		if existing == h {
			e.handlers[action] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(e.handlers[action]) == 0 {
		delete(e.handlers, action)
	}

	if e.handlerCountLocked() == 0 && e.state == stateRunning {
		e.stopLocked()
	}
}

func (e *Engine) handlerCountLocked() int {
	n := 0
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}

func (e *Engine) startLocked() {
	e.state = stateStarting

	for _, intf := range e.intfs {
		if intf.MulticastGroup() == nil {
			l.Debugln("Skipping interface without multicast scope:", intf)
			continue
		}

		mcast, err := e.factory.Multicast(intf, e.receive)
		if err != nil {
			// Best effort multi-homing: a bad interface must not prevent
			// discovery on the others.
			l.Warnf("Binding discovery socket on %s: %v", intf, err)
			metricBindFailures.Inc()
			continue
		}

		ucast, err := e.bindUnicast(intf)
		if err != nil {
			l.Warnf("Binding sender socket on %s: %v", intf, err)
			metricBindFailures.Inc()
			mcast.Close()
			continue
		}

		e.listeners = append(e.listeners, &listener{intf: intf, mcast: mcast, ucast: ucast})
		l.Debugf("Listening on %s (sender port %d)", intf, ucast.Address().Port)

		if !e.opts.EnableMultiSocketBinding {
			break
		}
	}

	e.state = stateRunning
	e.evLogger.Log(events.ListenerStarted, map[string]interface{}{
		"interfaces": len(e.listeners),
		"configID":   e.configID,
	})
}

func (e *Engine) bindUnicast(intf Interface) (Socket, error) {
	span := e.opts.UDPPortRangeEnd - e.opts.UDPPortRangeStart + 1
	var lastErr error
	for i := 0; i < unicastBindAttempts; i++ {
		port := e.opts.UDPPortRangeStart + rand.Intn(span)
		if port == SSDPPort {
			port = SSDPPort + 1
		}
		sock, err := e.factory.Unicast(intf, port, e.receive)
		if err == nil {
			return sock, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) stopLocked() {
	e.state = stateStopping
	for _, ln := range e.listeners {
		ln.mcast.Close()
		ln.ucast.Close()
	}
	e.listeners = nil
	e.state = stateStopped
	e.evLogger.Log(events.ListenerStopped, nil)
}

// UpdateInterfaces records a new interface set. If the engine is running and
// the set actually changed, it performs a full stop/reconfigure/start and
// advances the configuration ID, same as a debounced topology restart.
func (e *Engine) UpdateInterfaces(intfs []Interface) {
	e.mut.Lock()

	if interfacesEqual(e.intfs, intfs) {
		e.mut.Unlock()
		return
	}
	e.intfs = slices.Clone(intfs)
	if e.state != stateRunning {
		e.mut.Unlock()
		return
	}
	e.stopLocked()
	e.bumpConfigIDLocked()
	configID := e.configID
	e.startLocked()
	e.mut.Unlock()

	metricRestarts.Inc()
	e.evLogger.Log(events.TopologyChanged, map[string]interface{}{"configID": configID})
}

// NetworkChanged schedules a debounced restart. Bursts of notifications
// within the debounce window collapse into exactly one stop/start cycle and
// one configuration ID bump.
func (e *Engine) NetworkChanged() {
	e.mut.Lock()
	defer e.mut.Unlock()

	if e.restartPending {
		return
	}
	e.restartPending = true
	e.restartTimer = time.AfterFunc(e.debounce, e.topologyRestart)
}

// bumpConfigIDLocked advances the configuration ID, wrapping at 99 back to 1
// per the UPnP counter range.
func (e *Engine) bumpConfigIDLocked() {
	e.configID++
	if e.configID > 99 {
		e.configID = 1
	}
}

func (e *Engine) topologyRestart() {
	e.mut.Lock()
	e.restartPending = false
	e.bumpConfigIDLocked()
	configID := e.configID
	if e.state == stateRunning {
		e.stopLocked()
		e.startLocked()
	}
	e.mut.Unlock()

	metricRestarts.Inc()
	e.evLogger.Log(events.TopologyChanged, map[string]interface{}{"configID": configID})
}

// IncreaseBootID rolls the boot ID forward, signalling to peers that our own
// advertised services have been refreshed.
func (e *Engine) IncreaseBootID() {
	e.mut.Lock()
	e.bootID = e.nextBootID
	e.nextBootID++
	e.mut.Unlock()
}

func (e *Engine) BootID() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.bootID
}

func (e *Engine) NextBootID() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.nextBootID
}

func (e *Engine) ConfigID() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.configID
}

// PortFor returns the unicast sender port bound for the given interface
// address, or the well known discovery port if none is bound.
func (e *Engine) PortFor(addr net.IP) int {
	e.mut.Lock()
	defer e.mut.Unlock()
	for _, ln := range e.listeners {
		if ln.intf.Addr.Equal(addr) {
			return ln.ucast.Address().Port
		}
	}
	return SSDPPort
}

// IsTracing reports whether detailed per-packet logging is enabled for any of
// the given addresses. Collaborators use this to gate verbose logging without
// duplicating the filter logic.
func (e *Engine) IsTracing(addrs ...net.IP) bool {
	if !e.opts.EnableSSDPTracing {
		return false
	}
	e.mut.Lock()
	filter := e.tracingFilter
	e.mut.Unlock()
	if filter == nil {
		return true
	}
	for _, addr := range addrs {
		if filter.Equal(addr) {
			return true
		}
	}
	return false
}

// SendMulticast transmits the message on every bound interface matching the
// family filter, rewriting the HOST header per interface. Each transmission
// is repeated to absorb UDP loss; SSDP reliability is resend based.
func (e *Engine) SendMulticast(action string, headers Headers, family AddressFamily, repeats int) error {
	e.mut.Lock()
	if e.state != stateRunning {
		e.mut.Unlock()
		return ErrNotRunning
	}
	lns := slices.Clone(e.listeners)
	e.mut.Unlock()

	if repeats <= 0 {
		repeats = e.opts.UDPSendCount
	}
	if repeats < 1 {
		repeats = 1
	} else if repeats > 5 {
		repeats = 5
	}

	var sent int
	var firstErr error
	for _, ln := range lns {
		if !family.matches(ln.intf) {
			continue
		}
		host := ln.intf.MulticastHost()
		if host == "" {
			continue
		}

		hdrs := headers.Clone()
		hdrs.Set("HOST", host)
		msg := Encode(action, hdrs)
		dst := &net.UDPAddr{IP: ln.intf.MulticastGroup(), Port: SSDPPort, Zone: zoneFor(ln.intf)}

		if e.IsTracing(ln.intf.Addr) {
			l.Infof("SSDP multicast out on %s x%d:\n%s", ln.intf, repeats, msg)
		}

		failed := false
		for i := 0; i < repeats; i++ {
			if i > 0 && e.repeatDelay > 0 {
				time.Sleep(e.repeatDelay)
			}
			if err := ln.ucast.Send(msg, dst); err != nil {
				l.Warnf("Multicast send on %s: %v", ln.intf, err)
				if firstErr == nil {
					firstErr = err
				}
				failed = true
				break
			}
			metricPacketsSent.WithLabelValues("multicast").Inc()
		}
		if !failed {
			sent++
		}
	}

	if sent == 0 {
		if firstErr != nil {
			return firstErr
		}
		return ErrNoInterfaces
	}
	return nil
}

// SendUnicast sends once to a specific peer from the socket bound to the
// given local address. Replies are never sent off-LAN, even when a peer
// spoofs a WAN address in its search.
func (e *Engine) SendUnicast(action string, headers Headers, local net.IP, dst *net.UDPAddr) error {
	if !e.isInLocalNetwork(dst.IP) {
		return fmt.Errorf("refusing unicast to off-LAN address %s", dst.IP)
	}

	e.mut.Lock()
	if e.state != stateRunning {
		e.mut.Unlock()
		return ErrNotRunning
	}
	var ln *listener
	for _, cand := range e.listeners {
		if cand.intf.Addr.Equal(local) {
			ln = cand
			break
		}
	}
	if ln == nil && len(e.listeners) > 0 {
		ln = e.listeners[0]
	}
	e.mut.Unlock()

	if ln == nil {
		return ErrNoInterfaces
	}

	msg := Encode(action, headers)
	if e.IsTracing(dst.IP, local) {
		l.Infof("SSDP unicast out %s -> %s:\n%s", local, dst, msg)
	}
	if err := ln.ucast.Send(msg, dst); err != nil {
		return err
	}
	metricPacketsSent.WithLabelValues("unicast").Inc()
	return nil
}

// receive is the inbound pipeline, invoked by each socket's read loop.
func (e *Engine) receive(sock Socket, data []byte, src *net.UDPAddr) {
	metricPacketsReceived.Inc()

	e.mut.Lock()
	if e.state != stateRunning {
		e.mut.Unlock()
		return
	}

	var ln *listener
	for _, cand := range e.listeners {
		if cand.mcast == sock || cand.ucast == sock {
			ln = cand
			break
		}
	}

	if !e.acceptSenderLocked(src.IP) {
		e.mut.Unlock()
		metricPacketsDropped.WithLabelValues("filtered").Inc()
		l.Debugln("Dropping message from filtered sender", src)
		return
	}

	var selfAddr *net.UDPAddr
	var local net.IP
	if ln != nil {
		selfAddr = ln.ucast.Address()
		local = ln.intf.Addr
	}
	if local == nil || local.IsUnspecified() {
		// Wildcard socket: respond from the first configured interface whose
		// subnet contains the sender, falling back to the first interface.
		for _, intf := range e.intfs {
			if intf.Network != nil && intf.Network.Contains(src.IP) {
				local = intf.Addr
				break
			}
		}
		if (local == nil || local.IsUnspecified()) && len(e.intfs) > 0 {
			local = e.intfs[0].Addr
		}
	}
	dlnaVersion := e.opts.DLNAVersion
	e.mut.Unlock()

	// Never process messages we ourselves originated.
	if selfAddr != nil && src.Port == selfAddr.Port && src.IP.Equal(selfAddr.IP) {
		metricPacketsDropped.WithLabelValues("self").Inc()
		return
	}

	action, headers := Decode(data)

	e.mut.Lock()
	handlers := slices.Clone(e.handlers[action])
	e.mut.Unlock()
	if len(handlers) == 0 {
		metricPacketsDropped.WithLabelValues("unhandled").Inc()
		return
	}

	if e.IsTracing(src.IP, local) {
		l.Infof("SSDP in %s <- %s:\n%s", local, src, data)
	}

	ev := Event{
		Action:    action,
		Headers:   headers,
		Sender:    src,
		LocalAddr: local,
		ReplyPort: src.Port,
	}
	if dlnaVersion >= 1 {
		if sp := headers.Get("SEARCHPORT.UPNP.ORG"); sp != "" {
			if port, err := strconv.Atoi(sp); err == nil && port > 0 && port < 65536 {
				ev.ReplyPort = port
			}
		}
	}

	for _, h := range handlers {
		e.invoke(h, action, ev)
	}
}

// invoke delivers the event to one handler; a failing consumer must never
// break discovery for the others.
func (e *Engine) invoke(h Handler, action string, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.Warnf("Handler for %q panicked: %v", action, r)
			metricHandlerPanics.Inc()
		}
	}()
	h.HandleSSDP(ev)
}

// acceptSenderLocked applies the permitted/denied lists, or LAN membership
// when both are empty.
func (e *Engine) acceptSenderLocked(ip net.IP) bool {
	if len(e.permitted) == 0 && len(e.denied) == 0 {
		return e.isInLocalNetworkLocked(ip)
	}
	for _, n := range e.denied {
		if n.Contains(ip) {
			return false
		}
	}
	if len(e.permitted) > 0 {
		for _, n := range e.permitted {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}
	return true
}

func (e *Engine) isInLocalNetwork(ip net.IP) bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.isInLocalNetworkLocked(ip)
}

func (e *Engine) isInLocalNetworkLocked(ip net.IP) bool {
	if e.localNetwork != nil {
		return e.localNetwork(ip)
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	for _, intf := range e.intfs {
		if intf.Network != nil && intf.Network.Contains(ip) {
			return true
		}
	}
	return false
}

func parseAddressList(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			l.Warnf("Invalid address filter entry %q, skipping", entry)
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

func interfacesEqual(a, b []Interface) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Addr.Equal(b[i].Addr) {
			return false
		}
	}
	return true
}
