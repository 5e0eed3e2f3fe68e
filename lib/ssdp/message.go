// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ssdp

import (
	"strings"
)

// The three start lines ("actions") used on the wire. Handlers are keyed on
// these exact strings.
const (
	ActionSearch   = "M-SEARCH * HTTP/1.1"
	ActionNotify   = "NOTIFY * HTTP/1.1"
	ActionResponse = "HTTP/1.1 200 OK"
)

// A Header is a single key/value pair. Keys compare case-insensitively but
// are transmitted as given.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header list. Order is preserved on encode, which some
// DLNA peers are picky about.
type Headers []Header

// Get returns the value of the first header with the given key, or the empty
// string.
func (h Headers) Get(key string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value
		}
	}
	return ""
}

// Has returns whether a header with the given key is present.
func (h Headers) Has(key string) bool {
	for _, kv := range h {
		if strings.EqualFold(kv.Key, key) {
			return true
		}
	}
	return false
}

// Set replaces the value of the first header with the given key, or appends
// the header if it is not present.
func (h *Headers) Set(key, value string) {
	for i, kv := range *h {
		if strings.EqualFold(kv.Key, key) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

func (h Headers) Clone() Headers {
	c := make(Headers, len(h))
	copy(c, h)
	return c
}

// Encode renders the action line followed by the headers in order, CRLF
// separated and terminated by a blank line.
func Encode(action string, headers Headers) []byte {
	var sb strings.Builder
	sb.WriteString(action)
	sb.WriteString("\r\n")
	for _, kv := range headers {
		sb.WriteString(kv.Key)
		sb.WriteString(": ")
		sb.WriteString(kv.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// Decode parses a received frame into its action line and headers. Parsing is
// deliberately lenient: corrupt SSDP is common on real networks. A line
// containing a colon is a header (first colon separates key from value, a
// duplicate key is logged and the first value kept); a colon-less line
// containing "*" or starting with "HTTP" is the action. If no action line is
// found the action is the empty string.
func Decode(raw []byte) (string, Headers) {
	var action string
	var headers Headers

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			if headers.Has(key) {
				l.Debugf("Duplicate header %q in SSDP message, keeping first", key)
				continue
			}
			headers = append(headers, Header{Key: key, Value: value})
			continue
		}
		if action == "" && (strings.Contains(line, "*") || strings.HasPrefix(line, "HTTP")) {
			action = line
		}
	}

	return action, headers
}
