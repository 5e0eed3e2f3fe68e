// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package announce

import (
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mediabeacon/mediabeacon/lib/config"
	"github.com/mediabeacon/mediabeacon/lib/events"
	"github.com/mediabeacon/mediabeacon/lib/ssdp"
	"github.com/mediabeacon/mediabeacon/lib/upnp"
)

type fakeSocket struct {
	addr *net.UDPAddr

	mut  sync.Mutex
	sent [][]byte
}

func (s *fakeSocket) Address() *net.UDPAddr { return s.addr }

func (s *fakeSocket) Send(data []byte, _ *net.UDPAddr) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	c := make([]byte, len(data))
	copy(c, data)
	s.sent = append(s.sent, c)
	return nil
}

func (s *fakeSocket) Close() error { return nil }

type fakeFactory struct {
	mut     sync.Mutex
	sockets []*fakeSocket
}

func (f *fakeFactory) Multicast(intf ssdp.Interface, _ ssdp.ReceiveFunc) (ssdp.Socket, error) {
	return f.newSocket(&net.UDPAddr{IP: intf.MulticastGroup(), Port: ssdp.SSDPPort}), nil
}

func (f *fakeFactory) Unicast(intf ssdp.Interface, port int, _ ssdp.ReceiveFunc) (ssdp.Socket, error) {
	return f.newSocket(&net.UDPAddr{IP: intf.Addr, Port: port}), nil
}

func (f *fakeFactory) newSocket(addr *net.UDPAddr) *fakeSocket {
	f.mut.Lock()
	defer f.mut.Unlock()
	s := &fakeSocket{addr: addr}
	f.sockets = append(f.sockets, s)
	return s
}

func (f *fakeFactory) allPackets() [][]byte {
	f.mut.Lock()
	socks := make([]*fakeSocket, len(f.sockets))
	copy(socks, f.sockets)
	f.mut.Unlock()
	var ps [][]byte
	for _, s := range socks {
		s.mut.Lock()
		ps = append(ps, s.sent...)
		s.mut.Unlock()
	}
	return ps
}

// packetsWith returns all sent packets with the given action, decoded.
func (f *fakeFactory) packetsWith(action string) []ssdp.Headers {
	var out []ssdp.Headers
	for _, raw := range f.allPackets() {
		a, headers := ssdp.Decode(raw)
		if a == action {
			out = append(out, headers)
		}
	}
	return out
}

func testOptions() config.OptionsConfiguration {
	return config.OptionsConfiguration{
		UDPSendCount:             1,
		UDPPortRangeStart:        49152,
		UDPPortRangeEnd:          65535,
		EnableMultiSocketBinding: true,
		AliveIntervalS:           3600,
	}
}

func testEngine(factory ssdp.SocketFactory) *ssdp.Engine {
	_, network, _ := net.ParseCIDR("192.168.1.0/24")
	intfs := []ssdp.Interface{
		{Name: "eth0", Index: 1, Addr: net.ParseIP("192.168.1.10"), Network: network},
	}
	return ssdp.New(testOptions(), intfs, factory, events.NoopLogger)
}

func testRoot(t *testing.T) *upnp.RootDevice {
	t.Helper()
	loc, err := url.Parse("http://192.168.1.10:8080/description.xml")
	if err != nil {
		t.Fatal(err)
	}
	root := upnp.NewRootDevice("MediaServer", "test server", "ABCDEFAB-1234-0000-0000-000000000000", 30*time.Minute, loc, nil)
	if err := root.AddChild(upnp.NewService("ContentDirectory", "")); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestNotificationTypes(t *testing.T) {
	root := testRoot(t)
	nts := notificationTypes(root)
	want := []string{
		"upnp:rootdevice",
		"uuid:ABCDEFAB-1234-0000-0000-000000000000",
		"urn:schemas-upnp-org:device:MediaServer:1",
		"urn:schemas-upnp-org:service:ContentDirectory:1",
	}
	if len(nts) != len(want) {
		t.Fatalf("got %d types, want %d: %v", len(nts), len(want), nts)
	}
	for i, nt := range want {
		if nts[i] != nt {
			t.Errorf("type %d: got %q, want %q", i, nts[i], nt)
		}
	}
}

func TestUSNFor(t *testing.T) {
	root := testRoot(t)
	if got := usnFor(root, "upnp:rootdevice"); got != "uuid:ABCDEFAB-1234-0000-0000-000000000000::upnp:rootdevice" {
		t.Errorf("rootdevice USN: got %q", got)
	}
	if got := usnFor(root, root.UDN()); got != root.UDN() {
		t.Errorf("UDN USN: got %q", got)
	}
}

func TestMatchingTypes(t *testing.T) {
	root := testRoot(t)

	if got := matchingTypes(root, "ssdp:all"); len(got) != 4 {
		t.Errorf("ssdp:all: got %d types", len(got))
	}
	if got := matchingTypes(root, "upnp:rootdevice"); len(got) != 1 || got[0] != "upnp:rootdevice" {
		t.Errorf("rootdevice: got %v", got)
	}
	if got := matchingTypes(root, root.UDN()); len(got) != 1 || got[0] != root.UDN() {
		t.Errorf("UDN: got %v", got)
	}
	if got := matchingTypes(root, "urn:schemas-upnp-org:service:ContentDirectory:1"); len(got) != 1 {
		t.Errorf("service URN: got %v", got)
	}
	if got := matchingTypes(root, "urn:other-vendor:device:Thing:1"); got != nil {
		t.Errorf("unrelated target: got %v", got)
	}
}

func TestContainsDiscover(t *testing.T) {
	if !containsDiscover(`"ssdp:discover"`) || !containsDiscover("ssdp:discover") {
		t.Error("valid MAN values rejected")
	}
	if containsDiscover("") || containsDiscover("something-else") {
		t.Error("invalid MAN values accepted")
	}
}

func TestAliveAndByebye(t *testing.T) {
	factory := &fakeFactory{}
	engine := testEngine(factory)
	pub := NewPublisher(engine, events.NoopLogger, testOptions())
	pub.AddDevice(testRoot(t))

	pub.Start()

	alives := factory.packetsWith(ssdp.ActionNotify)
	if len(alives) != 4 {
		t.Fatalf("got %d alive notifications, want 4", len(alives))
	}
	first := alives[0]
	if got := first.Get("NTS"); got != "ssdp:alive" {
		t.Errorf("NTS: got %q", got)
	}
	if got := first.Get("NT"); got != "upnp:rootdevice" {
		t.Errorf("NT: got %q", got)
	}
	if got := first.Get("USN"); got != "uuid:ABCDEFAB-1234-0000-0000-000000000000::upnp:rootdevice" {
		t.Errorf("USN: got %q", got)
	}
	if got := first.Get("CACHE-CONTROL"); got != "max-age=1800" {
		t.Errorf("CACHE-CONTROL: got %q", got)
	}
	if got := first.Get("LOCATION"); got != "http://192.168.1.10:8080/description.xml" {
		t.Errorf("LOCATION: got %q", got)
	}
	if got := first.Get("HOST"); got != "239.255.255.250:1900" {
		t.Errorf("HOST: got %q", got)
	}
	if got := first.Get("BOOTID.UPNP.ORG"); got != "1" {
		t.Errorf("BOOTID: got %q", got)
	}

	pub.Stop()

	byebyes := 0
	for _, headers := range factory.packetsWith(ssdp.ActionNotify) {
		if headers.Get("NTS") == "ssdp:byebye" {
			byebyes++
		}
	}
	if byebyes != 4 {
		t.Errorf("got %d byebye notifications, want 4", byebyes)
	}
	if got := engine.BootID(); got != 2 {
		t.Errorf("boot ID after stop: got %d, want 2", got)
	}
}

func TestSearchResponse(t *testing.T) {
	factory := &fakeFactory{}
	engine := testEngine(factory)
	pub := NewPublisher(engine, events.NoopLogger, testOptions())
	pub.AddDevice(testRoot(t))

	pub.Start()
	defer pub.Stop()

	pub.HandleSSDP(ssdp.Event{
		Action: ssdp.ActionSearch,
		Headers: ssdp.Headers{
			{Key: "HOST", Value: "239.255.255.250:1900"},
			{Key: "MAN", Value: `"ssdp:discover"`},
			{Key: "MX", Value: "1"},
			{Key: "ST", Value: "upnp:rootdevice"},
		},
		Sender:    &net.UDPAddr{IP: net.ParseIP("192.168.1.42"), Port: 5000},
		LocalAddr: net.ParseIP("192.168.1.10"),
		ReplyPort: 5000,
	})

	// The response is delayed by up to MX seconds.
	var response ssdp.Headers
	deadline := time.Now().Add(2 * time.Second)
	for response == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the search response")
		}
		if rs := factory.packetsWith(ssdp.ActionResponse); len(rs) > 0 {
			response = rs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := response.Get("ST"); got != "upnp:rootdevice" {
		t.Errorf("ST: got %q", got)
	}
	if got := response.Get("USN"); got != "uuid:ABCDEFAB-1234-0000-0000-000000000000::upnp:rootdevice" {
		t.Errorf("USN: got %q", got)
	}
	if got := response.Get("LOCATION"); got != "http://192.168.1.10:8080/description.xml" {
		t.Errorf("LOCATION: got %q", got)
	}
	if got := response.Get("EXT"); !response.Has("EXT") || got != "" {
		t.Errorf("EXT: got %q", got)
	}
	if got := response.Get("BOOTID.UPNP.ORG"); got != "1" {
		t.Errorf("BOOTID: got %q", got)
	}
}

func TestAddDeviceDeduplicates(t *testing.T) {
	factory := &fakeFactory{}
	pub := NewPublisher(testEngine(factory), events.NoopLogger, testOptions())

	root := testRoot(t)
	pub.AddDevice(root)
	pub.AddDevice(root)

	pub.mut.Lock()
	n := len(pub.devices)
	pub.mut.Unlock()
	if n != 1 {
		t.Errorf("got %d devices, want 1", n)
	}

	pub.RemoveDevice(root)
	pub.mut.Lock()
	n = len(pub.devices)
	pub.mut.Unlock()
	if n != 0 {
		t.Errorf("got %d devices after remove, want 0", n)
	}
}

func TestDeviceBoundToOtherInterfaceNotAnswered(t *testing.T) {
	factory := &fakeFactory{}
	engine := testEngine(factory)
	pub := NewPublisher(engine, events.NoopLogger, testOptions())

	loc, _ := url.Parse("http://192.168.2.10:8080/description.xml")
	root := upnp.NewRootDevice("MediaServer", "other", "", 30*time.Minute, loc, net.ParseIP("192.168.2.10"))
	pub.AddDevice(root)

	pub.Start()
	defer pub.Stop()

	// Search arrives on an interface the root is not bound to.
	pub.HandleSSDP(ssdp.Event{
		Action: ssdp.ActionSearch,
		Headers: ssdp.Headers{
			{Key: "MAN", Value: `"ssdp:discover"`},
			{Key: "MX", Value: "1"},
			{Key: "ST", Value: "upnp:rootdevice"},
		},
		Sender:    &net.UDPAddr{IP: net.ParseIP("192.168.1.42"), Port: 5000},
		LocalAddr: net.ParseIP("192.168.1.10"),
		ReplyPort: 5000,
	})

	time.Sleep(1100 * time.Millisecond)
	if rs := factory.packetsWith(ssdp.ActionResponse); len(rs) != 0 {
		t.Errorf("got %d responses for a foreign-interface root, want 0", len(rs))
	}
}
