// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ssdp

import (
	"net"
	"testing"
)

func TestMulticastGroup(t *testing.T) {
	cases := []struct {
		name string
		intf Interface
		want string
	}{
		{"ipv4", Interface{Addr: net.ParseIP("192.168.1.10"), Index: 1}, "239.255.255.250"},
		{"ipv6 link-local", Interface{Addr: net.ParseIP("fe80::1"), Index: 1}, "ff02::c"},
		{"ipv6 link-local no scope", Interface{Addr: net.ParseIP("fe80::1"), Index: 0}, ""},
		{"ipv6 global", Interface{Addr: net.ParseIP("2001:db8::1"), Index: 1}, "ff05::c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			group := tc.intf.MulticastGroup()
			if tc.want == "" {
				if group != nil {
					t.Errorf("got %v, want nil", group)
				}
				return
			}
			if group == nil || group.String() != tc.want {
				t.Errorf("got %v, want %s", group, tc.want)
			}
		})
	}
}

func TestMulticastHost(t *testing.T) {
	v4 := Interface{Addr: net.ParseIP("192.168.1.10"), Index: 1}
	if got := v4.MulticastHost(); got != "239.255.255.250:1900" {
		t.Errorf("ipv4 host: got %q", got)
	}
	v6 := Interface{Addr: net.ParseIP("fe80::1"), Index: 2}
	if got := v6.MulticastHost(); got != "[ff02::c]:1900" {
		t.Errorf("ipv6 host: got %q", got)
	}
	noScope := Interface{Addr: net.ParseIP("fe80::1"), Index: 0}
	if got := noScope.MulticastHost(); got != "" {
		t.Errorf("scopeless host: got %q, want empty", got)
	}
}

func TestZoneFor(t *testing.T) {
	linkLocal := Interface{Name: "eth0", Addr: net.ParseIP("fe80::1"), Index: 1}
	if got := zoneFor(linkLocal); got != "eth0" {
		t.Errorf("link-local zone: got %q", got)
	}
	global := Interface{Name: "eth0", Addr: net.ParseIP("2001:db8::1"), Index: 1}
	if got := zoneFor(global); got != "" {
		t.Errorf("global zone: got %q, want empty", got)
	}
	v4 := Interface{Name: "eth0", Addr: net.ParseIP("192.168.1.10"), Index: 1}
	if got := zoneFor(v4); got != "" {
		t.Errorf("ipv4 zone: got %q, want empty", got)
	}
}
