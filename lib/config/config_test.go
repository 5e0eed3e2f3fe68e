// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDefaults(t *testing.T) {
	cfg := New()
	o := cfg.Options

	if cfg.Version != CurrentVersion {
		t.Errorf("version: got %d", cfg.Version)
	}
	if o.UDPSendCount != 2 {
		t.Errorf("UDPSendCount: got %d", o.UDPSendCount)
	}
	if o.UDPPortRangeStart != 49152 || o.UDPPortRangeEnd != 65535 {
		t.Errorf("port range: got %d-%d", o.UDPPortRangeStart, o.UDPPortRangeEnd)
	}
	if !o.EnableMultiSocketBinding {
		t.Error("EnableMultiSocketBinding should default on")
	}
	if o.SearchIntervalS != 300 {
		t.Errorf("SearchIntervalS: got %d", o.SearchIntervalS)
	}
	if o.AliveIntervalS != 900 {
		t.Errorf("AliveIntervalS: got %d", o.AliveIntervalS)
	}
	if _, err := uuid.Parse(o.UUID); err != nil {
		t.Errorf("default UUID %q: %v", o.UUID, err)
	}
}

func TestPrepareClamps(t *testing.T) {
	cfg := New()
	cfg.Options.UDPSendCount = 100
	cfg.Options.DLNAVersion = 7
	cfg.Options.UDPPortRangeStart = -3
	cfg.Options.UDPPortRangeEnd = 70000
	cfg.Options.SearchIntervalS = -42
	cfg.Options.InitialSearchIntervalS = 0
	cfg.Options.SSDPTracingFilter = "not-an-ip"
	cfg.Options.UUID = "not-a-uuid"
	cfg.prepare()

	o := cfg.Options
	if o.UDPSendCount != 5 {
		t.Errorf("UDPSendCount: got %d, want 5", o.UDPSendCount)
	}
	if o.DLNAVersion != 2 {
		t.Errorf("DLNAVersion: got %d, want 2", o.DLNAVersion)
	}
	if o.UDPPortRangeStart != 49152 || o.UDPPortRangeEnd != 65535 {
		t.Errorf("port range: got %d-%d", o.UDPPortRangeStart, o.UDPPortRangeEnd)
	}
	if o.SearchIntervalS != 300 {
		t.Errorf("SearchIntervalS: got %d, want the default", o.SearchIntervalS)
	}
	if o.InitialSearchIntervalS != 15 {
		t.Errorf("InitialSearchIntervalS: got %d", o.InitialSearchIntervalS)
	}
	if o.SSDPTracingFilter != "" {
		t.Errorf("invalid tracing filter kept: %q", o.SSDPTracingFilter)
	}
	if _, err := uuid.Parse(o.UUID); err != nil {
		t.Errorf("invalid UUID not regenerated: %q", o.UUID)
	}
}

func TestPrepareKeepsDisabledSearch(t *testing.T) {
	cfg := New()
	cfg.Options.SearchIntervalS = DisabledSearchInterval
	cfg.prepare()
	if cfg.Options.SearchIntervalS != DisabledSearchInterval {
		t.Errorf("got %d, want the disabled sentinel", cfg.Options.SearchIntervalS)
	}
}

func TestXMLRoundTrip(t *testing.T) {
	cfg := New()
	cfg.Options.PermittedAddresses = []string{"192.168.1.0/24", "10.0.0.5"}
	cfg.Options.DeniedAddresses = []string{"192.168.1.66"}
	cfg.Options.SearchIntervalS = 120
	cfg.Options.FriendlyName = "test beacon"

	var buf bytes.Buffer
	if err := cfg.WriteXML(&buf); err != nil {
		t.Fatal(err)
	}

	read, err := ReadXML(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if read.Options.SearchIntervalS != 120 {
		t.Errorf("SearchIntervalS: got %d", read.Options.SearchIntervalS)
	}
	if read.Options.FriendlyName != "test beacon" {
		t.Errorf("FriendlyName: got %q", read.Options.FriendlyName)
	}
	if len(read.Options.PermittedAddresses) != 2 || read.Options.PermittedAddresses[0] != "192.168.1.0/24" {
		t.Errorf("PermittedAddresses: got %v", read.Options.PermittedAddresses)
	}
	if len(read.Options.DeniedAddresses) != 1 {
		t.Errorf("DeniedAddresses: got %v", read.Options.DeniedAddresses)
	}
}

func TestReadXMLKeepsDefaults(t *testing.T) {
	// Absent elements keep their default values.
	cfg, err := ReadXML(strings.NewReader(`<configuration version="1"><options><searchIntervalS>60</searchIntervalS></options></configuration>`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Options.SearchIntervalS != 60 {
		t.Errorf("SearchIntervalS: got %d", cfg.Options.SearchIntervalS)
	}
	if cfg.Options.UDPSendCount != 2 {
		t.Errorf("UDPSendCount default lost: got %d", cfg.Options.UDPSendCount)
	}
	if cfg.Options.AliveIntervalS != 900 {
		t.Errorf("AliveIntervalS default lost: got %d", cfg.Options.AliveIntervalS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Options.UDPSendCount != 2 {
		t.Error("missing file should yield defaults")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.xml")

	cfg := New()
	cfg.Options.FriendlyName = "saved beacon"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	// No temporary file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	read, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if read.Options.FriendlyName != "saved beacon" {
		t.Errorf("FriendlyName: got %q", read.Options.FriendlyName)
	}
	if read.Options.UUID != cfg.Options.UUID {
		t.Errorf("UUID: got %q, want %q", read.Options.UUID, cfg.Options.UUID)
	}
}

func TestCopy(t *testing.T) {
	cfg := New()
	cfg.Options.PermittedAddresses = []string{"192.168.1.0/24"}

	c := cfg.Copy()
	c.Options.PermittedAddresses[0] = "changed"
	if cfg.Options.PermittedAddresses[0] != "192.168.1.0/24" {
		t.Error("copy shares the address slice")
	}
}
