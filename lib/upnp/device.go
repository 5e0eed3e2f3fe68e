// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package upnp implements the in-memory model of a UPnP device tree: a root
// device carrying tree wide metadata, with embedded services as children.
package upnp

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSelfChild     = errors.New("device cannot be a child of itself")
	ErrAlreadyBound  = errors.New("device is already bound to a different root")
	ErrNilDevice     = errors.New("nil device")
	ErrMissingTarget = errors.New("nil target root")
)

// A Device is the common part of both variants of the tree: the root device
// itself and its embedded services. Constructed once at startup from static
// configuration and immutable thereafter, except for the back-reference to
// the root which may be rebound by Reparent.
type Device struct {
	// Type, Class and Namespace compose the URN
	// urn:{Namespace}:{Class}:{Type}:1.
	Type      string
	Class     string
	Namespace string
	// UUID in canonical text form, dashes retained.
	UUID         string
	FriendlyName string

	mut      sync.Mutex
	root     *RootDevice
	children []*Device
}

// A RootDevice is the variant at the top of the tree. Two root devices are
// the same only if both their descriptive string and bound address match.
type RootDevice struct {
	Device
	// CacheLifetime is the advertisement validity; zero means "do not cache".
	CacheLifetime time.Duration
	// Location of the description document.
	Location *url.URL
	// NetAddress is the local interface address this root is bound to.
	// Messages received on a different interface do not describe this root.
	NetAddress net.IP
}

// NewRootDevice builds a root device. A missing UUID is generated.
func NewRootDevice(deviceType, friendlyName, uuidStr string, cacheLifetime time.Duration, location *url.URL, netAddress net.IP) *RootDevice {
	if uuidStr == "" {
		uuidStr = uuid.New().String()
	}
	r := &RootDevice{
		Device: Device{
			Type:         deviceType,
			Class:        "device",
			Namespace:    "schemas-upnp-org",
			UUID:         uuidStr,
			FriendlyName: friendlyName,
		},
		CacheLifetime: cacheLifetime,
		Location:      location,
		NetAddress:    netAddress,
	}
	r.Device.root = r
	return r
}

// NewService builds an embedded service, not yet attached to any root.
func NewService(serviceType, uuidStr string) *Device {
	if uuidStr == "" {
		uuidStr = uuid.New().String()
	}
	return &Device{
		Type:      serviceType,
		Class:     "service",
		Namespace: "schemas-upnp-org",
		UUID:      uuidStr,
	}
}

// URN returns the urn:{namespace}:{class}:{type}:1 identifier.
func (d *Device) URN() string {
	return fmt.Sprintf("urn:%s:%s:%s:1", d.Namespace, d.Class, d.Type)
}

// UDN returns the unique device name, "uuid:" plus the UUID.
func (d *Device) UDN() string {
	return "uuid:" + d.UUID
}

// Root returns the root this device is attached to, or nil for a detached
// service.
func (d *Device) Root() *RootDevice {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.root
}

// Children returns a copy of the embedded services.
func (d *Device) Children() []*Device {
	d.mut.Lock()
	defer d.mut.Unlock()
	cs := make([]*Device, len(d.children))
	copy(cs, d.children)
	return cs
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s)", d.URN(), d.UDN())
}

// AddChild attaches an embedded service to this root. Attaching a device
// already bound to a different root, or the root's own device, is a caller
// contract violation.
func (r *RootDevice) AddChild(child *Device) error {
	if child == nil {
		return ErrNilDevice
	}
	if child == &r.Device {
		return ErrSelfChild
	}

	child.mut.Lock()
	if child.root != nil && child.root != r {
		child.mut.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyBound, child)
	}
	child.root = r
	child.mut.Unlock()

	r.Device.mut.Lock()
	defer r.Device.mut.Unlock()
	for _, existing := range r.Device.children {
		if existing == child {
			return nil
		}
	}
	r.Device.children = append(r.Device.children, child)
	return nil
}

// Reparent moves a subtree to a new root, rebinding the back-reference of
// the given device and everything below it. This is an explicit, auditable
// administrative operation rather than a side effect of attachment.
func Reparent(subtree *Device, newRoot *RootDevice) error {
	if subtree == nil {
		return ErrNilDevice
	}
	if newRoot == nil {
		return ErrMissingTarget
	}
	if subtree == &newRoot.Device {
		return ErrSelfChild
	}

	subtree.mut.Lock()
	subtree.root = newRoot
	children := make([]*Device, len(subtree.children))
	copy(children, subtree.children)
	subtree.mut.Unlock()

	for _, child := range children {
		if err := Reparent(child, newRoot); err != nil {
			return err
		}
	}
	return nil
}

func (r *RootDevice) String() string {
	loc := ""
	if r.Location != nil {
		loc = r.Location.String()
	}
	return fmt.Sprintf("%s (%s) at %s", r.URN(), r.UDN(), loc)
}

// Equal reports whether two root devices describe the same device on the
// same interface.
func (r *RootDevice) Equal(other *RootDevice) bool {
	if other == nil {
		return false
	}
	return r.String() == other.String() && r.NetAddress.Equal(other.NetAddress)
}
