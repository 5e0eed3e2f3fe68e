// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"net"
	"testing"
	"time"

	"github.com/mediabeacon/mediabeacon/lib/ssdp"
)

func TestExpiry(t *testing.T) {
	now := time.Now()

	// Zero lifetime means "do not cache": always expired.
	d := &DiscoveredDevice{ReceivedAt: now}
	if !d.IsExpiredAt(now) {
		t.Error("zero lifetime record should be expired immediately")
	}

	d = &DiscoveredDevice{ReceivedAt: now, CacheLifetime: 30 * time.Minute}
	if d.IsExpiredAt(now) {
		t.Error("fresh record should not be expired")
	}
	if d.IsExpiredAt(now.Add(29 * time.Minute)) {
		t.Error("record should survive until its lifetime ends")
	}
	if !d.IsExpiredAt(now.Add(30 * time.Minute)) {
		t.Error("record should be expired exactly at end of lifetime")
	}
}

func TestUUIDExtraction(t *testing.T) {
	cases := []struct {
		usn  string
		want string
	}{
		{"uuid:ABCDEFAB-1234-0000-0000-000000000000::upnp:rootdevice", "ABCDEFAB-1234-0000-0000-000000000000"},
		{"uuid:ABCDEFAB-1234-0000-0000-000000000000", "ABCDEFAB-1234-0000-0000-000000000000"},
		{"uuid:abc::urn:schemas-upnp-org:device:MediaServer:1", "abc"},
	}
	for _, tc := range cases {
		d := &DiscoveredDevice{USN: tc.usn}
		if got := d.UUID(); got != tc.want {
			t.Errorf("UUID(%q): got %q, want %q", tc.usn, got, tc.want)
		}
	}
}

func TestUUIDSurrogate(t *testing.T) {
	// No parseable uuid token: a stable surrogate is derived instead.
	d := &DiscoveredDevice{USN: "some-weird-identifier"}
	got := d.UUID()
	if len(got) != 32 {
		t.Fatalf("surrogate length: got %d, want 32 hex chars", len(got))
	}
	if again := (&DiscoveredDevice{USN: "some-weird-identifier"}).UUID(); again != got {
		t.Error("surrogate should be deterministic")
	}
	if other := (&DiscoveredDevice{USN: "another-identifier"}).UUID(); other == got {
		t.Error("different USNs should not collide")
	}
	// A bare "uuid:" prefix with nothing behind it also falls back.
	if got := (&DiscoveredDevice{USN: "uuid:::upnp:rootdevice"}).UUID(); len(got) != 32 {
		t.Errorf("empty uuid token: got %q", got)
	}
}

func TestParseCacheLifetime(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"max-age=1800", 30 * time.Minute},
		{"MAX-AGE=60", time.Minute},
		{"no-cache, max-age = 120", 2 * time.Minute},
		{"max-age=-5", 0},
		{"max-age=abc", 0},
		{"", 0},
		{"no-cache", 0},
	}
	for _, tc := range cases {
		if got := parseCacheLifetime(tc.value); got != tc.want {
			t.Errorf("parseCacheLifetime(%q): got %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestParseRecord(t *testing.T) {
	now := time.Now()
	sender := &net.UDPAddr{IP: net.ParseIP("192.168.1.42"), Port: 5000}

	ev := ssdp.Event{
		Action: ssdp.ActionNotify,
		Headers: ssdp.Headers{
			{Key: "NT", Value: "upnp:rootdevice"},
			{Key: "USN", Value: "uuid:abc::upnp:rootdevice"},
			{Key: "LOCATION", Value: "http://192.168.1.42:8080/desc.xml"},
			{Key: "CACHE-CONTROL", Value: "max-age=1800"},
		},
		Sender: sender,
	}
	rec, err := parseRecord(ev, "NT", now)
	if err != nil {
		t.Fatal(err)
	}
	if rec.NotificationType != "upnp:rootdevice" {
		t.Errorf("NT: got %q", rec.NotificationType)
	}
	if rec.USN != "uuid:abc::upnp:rootdevice" {
		t.Errorf("USN: got %q", rec.USN)
	}
	if rec.CacheLifetime != 30*time.Minute {
		t.Errorf("lifetime: got %v", rec.CacheLifetime)
	}
	if rec.Endpoint != sender {
		t.Error("endpoint should be the sender")
	}
	if !rec.ReceivedAt.Equal(now) {
		t.Errorf("received at: got %v", rec.ReceivedAt)
	}

	// A USN-less message with a location is a valid placeholder.
	ev.Headers = ssdp.Headers{
		{Key: "NT", Value: "upnp:rootdevice"},
		{Key: "LOCATION", Value: "http://192.168.1.42:8080/desc.xml"},
	}
	if _, err := parseRecord(ev, "NT", now); err != nil {
		t.Errorf("USN-less record with location: %v", err)
	}

	// Neither USN nor location is unusable.
	ev.Headers = ssdp.Headers{{Key: "NT", Value: "upnp:rootdevice"}}
	if _, err := parseRecord(ev, "NT", now); err == nil {
		t.Error("expected an error without USN and LOCATION")
	}
}
