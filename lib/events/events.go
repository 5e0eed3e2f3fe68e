// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and polling functionality.
package events

import (
	"errors"
	"sync"
	"time"
)

type EventType int

const (
	Starting EventType = 1 << iota
	ListenerStarted
	ListenerStopped
	TopologyChanged
	SearchSent
	DeviceDiscovered
	DeviceLost
	DeviceAnnounced

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case Starting:
		return "Starting"
	case ListenerStarted:
		return "ListenerStarted"
	case ListenerStopped:
		return "ListenerStopped"
	case TopologyChanged:
		return "TopologyChanged"
	case SearchSent:
		return "SearchSent"
	case DeviceDiscovered:
		return "DeviceDiscovered"
	case DeviceLost:
		return "DeviceLost"
	case DeviceAnnounced:
		return "DeviceAnnounced"
	default:
		return "Unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

const BufferSize = 64

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

type Event struct {
	// Global ID of the event across all subscriptions.
	GlobalID int         `json:"globalID"`
	Time     time.Time   `json:"time"`
	Type     EventType   `json:"type"`
	Data     interface{} `json:"data"`
}

// The Logger distributes events to subscribers. Sending is non-blocking: a
// subscriber that does not keep up loses events, never delays the producer.
type Logger interface {
	Log(t EventType, data interface{})
	Subscribe(mask EventType) *Subscription
	Unsubscribe(s *Subscription)
}

type eventLogger struct {
	subs         []*Subscription
	nextGlobalID int
	mut          sync.Mutex
}

type Subscription struct {
	mask   EventType
	events chan Event
}

func NewLogger() Logger {
	return &eventLogger{}
}

func (l *eventLogger) Log(t EventType, data interface{}) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.nextGlobalID++
	dl.Debugln("log", l.nextGlobalID, t, data)

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     time.Now(),
		Type:     t,
		Data:     data,
	}

	for _, s := range l.subs {
		if s.mask&t != 0 {
			select {
			case s.events <- e:
			default:
				// Subscriber is not keeping up; drop the event.
			}
		}
	}
}

func (l *eventLogger) Subscribe(mask EventType) *Subscription {
	l.mut.Lock()
	defer l.mut.Unlock()

	dl.Debugln("subscribe", mask)
	s := &Subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
	}
	l.subs = append(l.subs, s)
	return s
}

func (l *eventLogger) Unsubscribe(s *Subscription) {
	l.mut.Lock()
	defer l.mut.Unlock()

	dl.Debugln("unsubscribe")
	for i, ss := range l.subs {
		if s == ss {
			last := len(l.subs) - 1
			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]
			break
		}
	}
	close(s.events)
}

// Poll returns an event from the subscription or an error if the poll times
// out or the subscription has been closed. Poll should not be called
// concurrently from multiple goroutines for a single subscription.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	dl.Debugln("poll", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		return e, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	}
}

func (s *Subscription) C() <-chan Event {
	return s.events
}

// NoopLogger is an event logger that discards everything, for wiring up
// components that require one in tests.
var NoopLogger Logger = &noopLogger{}

type noopLogger struct{}

func (*noopLogger) Log(_ EventType, _ interface{}) {}

func (*noopLogger) Subscribe(_ EventType) *Subscription {
	return &Subscription{events: make(chan Event)}
}

func (*noopLogger) Unsubscribe(_ *Subscription) {}
