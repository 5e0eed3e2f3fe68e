// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing of the mediabeacon
// configuration file.
package config

import (
	"encoding/xml"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const CurrentVersion = 1

const (
	// DisabledSearchInterval disables the periodic M-SEARCH while passive
	// NOTIFY processing continues.
	DisabledSearchInterval = -1

	minUDPSendCount = 1
	maxUDPSendCount = 5
)

type Configuration struct {
	Version int                  `xml:"version,attr" json:"version"`
	Options OptionsConfiguration `xml:"options" json:"options"`
	XMLName xml.Name             `xml:"configuration" json:"-"`
}

type OptionsConfiguration struct {
	// Number of times each multicast is transmitted, to absorb UDP loss.
	UDPSendCount int `xml:"udpSendCount" json:"udpSendCount"`
	// Port range the unicast sender sockets are chosen from.
	UDPPortRangeStart int `xml:"udpPortRangeStart" json:"udpPortRangeStart"`
	UDPPortRangeEnd   int `xml:"udpPortRangeEnd" json:"udpPortRangeEnd"`
	// Per-packet tracing, optionally restricted to a single peer address.
	EnableSSDPTracing bool   `xml:"enableSSDPTracing" json:"enableSSDPTracing"`
	SSDPTracingFilter string `xml:"ssdpTracingFilter" json:"ssdpTracingFilter"`
	// 0 = baseline UPnP 1.0, 1/2 = UPnP 1.1 level behavior (SEARCHPORT etc).
	DLNAVersion              int  `xml:"dlnaVersion" json:"dlnaVersion"`
	EnableMultiSocketBinding bool `xml:"enableMultiSocketBinding" json:"enableMultiSocketBinding"`
	// Address or CIDR literals. Both empty means "any LAN peer".
	PermittedAddresses []string `xml:"permittedAddress" json:"permittedAddresses"`
	DeniedAddresses    []string `xml:"deniedAddress" json:"deniedAddresses"`
	// Search timing. SearchIntervalS of -1 disables the periodic search.
	SearchIntervalS        int `xml:"searchIntervalS" json:"searchIntervalS"`
	InitialSearchIntervalS int `xml:"initialSearchIntervalS" json:"initialSearchIntervalS"`
	SearchGraceS           int `xml:"searchGraceS" json:"searchGraceS"`
	// Advertisement of our own devices.
	EnableAdvertising      bool   `xml:"enableAdvertising" json:"enableAdvertising"`
	AliveIntervalS         int    `xml:"aliveIntervalS" json:"aliveIntervalS"`
	AnnounceCacheLifetimeS int    `xml:"announceCacheLifetimeS" json:"announceCacheLifetimeS"`
	FriendlyName           string `xml:"friendlyName" json:"friendlyName"`
	UUID                   string `xml:"uuid" json:"uuid"`
	DescriptionURL         string `xml:"descriptionURL" json:"descriptionURL"`
}

// New returns a configuration with default values.
func New() Configuration {
	cfg := Configuration{
		Version: CurrentVersion,
		Options: OptionsConfiguration{
			UDPSendCount:             2,
			UDPPortRangeStart:        49152,
			UDPPortRangeEnd:          65535,
			EnableMultiSocketBinding: true,
			SearchIntervalS:          300,
			InitialSearchIntervalS:   15,
			SearchGraceS:             5,
			AliveIntervalS:           900,
			AnnounceCacheLifetimeS:   1800,
			FriendlyName:             "mediabeacon",
			UUID:                     uuid.New().String(),
		},
	}
	cfg.prepare()
	return cfg
}

func (cfg Configuration) Copy() Configuration {
	newCfg := cfg
	newCfg.Options = cfg.Options.Copy()
	return newCfg
}

func (o OptionsConfiguration) Copy() OptionsConfiguration {
	c := o
	c.PermittedAddresses = make([]string, len(o.PermittedAddresses))
	copy(c.PermittedAddresses, o.PermittedAddresses)
	c.DeniedAddresses = make([]string, len(o.DeniedAddresses))
	copy(c.DeniedAddresses, o.DeniedAddresses)
	return c
}

// ReadXML decodes a configuration on top of the defaults, so that absent
// elements keep their default values.
func ReadXML(r io.Reader) (Configuration, error) {
	cfg := New()
	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return Configuration{}, err
	}
	cfg.prepare()
	return cfg, nil
}

func (cfg Configuration) WriteXML(w io.Writer) error {
	e := xml.NewEncoder(w)
	e.Indent("", "    ")
	if err := e.Encode(cfg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n"))
	return err
}

// Load reads the configuration from the given path. A missing file is not an
// error; the defaults are returned.
func Load(path string) (Configuration, error) {
	fd, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return Configuration{}, err
	}
	defer fd.Close()
	return ReadXML(fd)
}

// Save writes the configuration to the given path, via a temporary file and
// rename so a crash never leaves a truncated config behind.
func (cfg Configuration) Save(path string) error {
	tmp := path + ".tmp"
	fd, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := cfg.WriteXML(fd); err != nil {
		fd.Close()
		os.Remove(tmp)
		return err
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		// Rename across filesystems can fail; fall back to direct write.
		if werr := os.WriteFile(path, mustMarshal(cfg), 0o644); werr != nil {
			return err
		}
		os.Remove(tmp)
	}
	l.Debugln("Saved configuration to", filepath.Clean(path))
	return nil
}

func mustMarshal(cfg Configuration) []byte {
	bs, err := xml.MarshalIndent(cfg, "", "    ")
	if err != nil {
		panic(err)
	}
	return append(bs, '\n')
}

// prepare clamps and defaults values after loading.
func (cfg *Configuration) prepare() {
	o := &cfg.Options

	if o.UDPSendCount < minUDPSendCount {
		o.UDPSendCount = minUDPSendCount
	} else if o.UDPSendCount > maxUDPSendCount {
		o.UDPSendCount = maxUDPSendCount
	}

	if o.UDPPortRangeStart <= 0 || o.UDPPortRangeStart > 65535 {
		o.UDPPortRangeStart = 49152
	}
	if o.UDPPortRangeEnd < o.UDPPortRangeStart || o.UDPPortRangeEnd > 65535 {
		o.UDPPortRangeEnd = 65535
	}

	if o.DLNAVersion < 0 {
		o.DLNAVersion = 0
	} else if o.DLNAVersion > 2 {
		o.DLNAVersion = 2
	}

	if o.SSDPTracingFilter != "" && net.ParseIP(o.SSDPTracingFilter) == nil {
		l.Warnf("Invalid SSDP tracing filter %q; tracing will not be filtered", o.SSDPTracingFilter)
		o.SSDPTracingFilter = ""
	}

	if o.SearchIntervalS < DisabledSearchInterval || o.SearchIntervalS == 0 {
		o.SearchIntervalS = 300
	}
	if o.InitialSearchIntervalS <= 0 {
		o.InitialSearchIntervalS = 15
	}
	if o.SearchGraceS < 0 {
		o.SearchGraceS = 0
	}
	if o.AliveIntervalS <= 0 {
		o.AliveIntervalS = 900
	}
	if o.AnnounceCacheLifetimeS < 0 {
		o.AnnounceCacheLifetimeS = 0
	}

	if o.UUID != "" {
		if _, err := uuid.Parse(o.UUID); err != nil {
			l.Warnf("Invalid device UUID %q; generating a new one", o.UUID)
			o.UUID = uuid.New().String()
		}
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
}
