// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mediabeacon/mediabeacon/lib/ssdp"
)

var errNoIdentity = errors.New("message carries neither USN nor LOCATION")

// A DiscoveredDevice is an immutable snapshot of a peer device learned from a
// single SSDP message. A newer message for the same identity supersedes the
// record; it is never mutated in place.
type DiscoveredDevice struct {
	NotificationType string
	USN              string
	// Location of the peer's description document. Empty on byebye.
	Location string
	Endpoint *net.UDPAddr
	Headers  ssdp.Headers
	// CacheLifetime of zero means "always expired": a device with no
	// advertised cache duration must be re-discovered on every sweep.
	CacheLifetime time.Duration
	ReceivedAt    time.Time
}

func (d *DiscoveredDevice) IsExpired() bool {
	return d.IsExpiredAt(time.Now())
}

func (d *DiscoveredDevice) IsExpiredAt(now time.Time) bool {
	if d.CacheLifetime == 0 {
		return true
	}
	return !now.Before(d.ReceivedAt.Add(d.CacheLifetime))
}

// UUID returns the device identifier from the USN. When no parseable "uuid:"
// token is present, a stable surrogate is derived by hashing the raw USN, so
// the same input always yields the same identifier.
func (d *DiscoveredDevice) UUID() string {
	return extractUUID(d.USN)
}

func extractUUID(usn string) string {
	head := strings.Split(usn, "::")[0]
	if rest, ok := strings.CutPrefix(head, "uuid:"); ok && rest != "" {
		return rest
	}
	sum := sha256.Sum256([]byte(usn))
	return hex.EncodeToString(sum[:16])
}

func (d *DiscoveredDevice) String() string {
	return fmt.Sprintf("%s (%s) at %s", d.NotificationType, d.USN, d.Location)
}

// parseRecord builds a record from an inbound message. typeHeader names the
// header carrying the notification type: "NT" on NOTIFY, "ST" on a search
// response.
func parseRecord(ev ssdp.Event, typeHeader string, now time.Time) (*DiscoveredDevice, error) {
	usn := ev.Headers.Get("USN")
	location := ev.Headers.Get("LOCATION")
	if usn == "" && location == "" {
		return nil, errNoIdentity
	}

	return &DiscoveredDevice{
		NotificationType: ev.Headers.Get(typeHeader),
		USN:              usn,
		Location:         location,
		Endpoint:         ev.Sender,
		Headers:          ev.Headers.Clone(),
		CacheLifetime:    parseCacheLifetime(ev.Headers.Get("CACHE-CONTROL")),
		ReceivedAt:       now,
	}, nil
}

// parseCacheLifetime extracts max-age from a CACHE-CONTROL value. Anything
// unparseable yields zero.
func parseCacheLifetime(value string) time.Duration {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		rest, ok := cutPrefixFold(part, "max-age")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "="))
		secs, err := strconv.Atoi(rest)
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
