// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ssdp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// SSDPPort is the well known discovery port.
	SSDPPort = 1900

	multicastTTL = 4
)

var (
	ipv4Group          = net.IPv4(239, 255, 255, 250)
	ipv6LinkLocalGroup = net.ParseIP("ff02::c")
	ipv6SiteLocalGroup = net.ParseIP("ff05::c")
)

// An Interface is one usable address on a host network interface. An
// interface carrying both an IPv4 and an IPv6 address yields two entries.
type Interface struct {
	Name    string
	Index   int
	Addr    net.IP
	Network *net.IPNet
}

func (i Interface) IsIPv6() bool {
	return i.Addr.To4() == nil
}

// MulticastGroup returns the SSDP group address appropriate for this
// interface's family and scope, or nil when the interface cannot carry SSDP
// multicast (an IPv6 interface with no usable scope).
func (i Interface) MulticastGroup() net.IP {
	if !i.IsIPv6() {
		return ipv4Group
	}
	if i.Addr.IsLinkLocalUnicast() {
		if i.Index == 0 {
			// No scope to join the link-local group on.
			return nil
		}
		return ipv6LinkLocalGroup
	}
	return ipv6SiteLocalGroup
}

// MulticastHost is the HOST header value for this interface's family.
func (i Interface) MulticastHost() string {
	group := i.MulticastGroup()
	if group == nil {
		return ""
	}
	if i.IsIPv6() {
		return fmt.Sprintf("[%s]:%d", group, SSDPPort)
	}
	return fmt.Sprintf("%s:%d", group, SSDPPort)
}

func (i Interface) String() string {
	return fmt.Sprintf("%s/%s", i.Name, i.Addr)
}

// A ReceiveFunc is invoked by a socket for every received datagram.
type ReceiveFunc func(sock Socket, data []byte, src *net.UDPAddr)

// A Socket is the per-interface UDP primitive the engine builds on: it can
// send to a destination and delivers received datagrams to the ReceiveFunc it
// was created with.
type Socket interface {
	Address() *net.UDPAddr
	Send(data []byte, dst *net.UDPAddr) error
	Close() error
}

// A SocketFactory creates the socket pair bound to one interface: a
// multicast-joined socket on the discovery port and a unicast sender socket
// on the given port.
type SocketFactory interface {
	Multicast(intf Interface, recv ReceiveFunc) (Socket, error)
	Unicast(intf Interface, port int, recv ReceiveFunc) (Socket, error)
}

// NewUDPSocketFactory returns the real socket factory.
func NewUDPSocketFactory() SocketFactory {
	return &udpSocketFactory{}
}

type udpSocketFactory struct{}

func (*udpSocketFactory) Multicast(intf Interface, recv ReceiveFunc) (Socket, error) {
	group := intf.MulticastGroup()
	if group == nil {
		return nil, fmt.Errorf("no multicast group for %s", intf)
	}

	network := "udp4"
	if intf.IsIPv6() {
		network = "udp6"
	}

	netIntf, err := net.InterfaceByIndex(intf.Index)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenMulticastUDP(network, netIntf, &net.UDPAddr{IP: group, Port: SSDPPort})
	if err != nil {
		return nil, err
	}

	s := &udpSocket{conn: conn, recv: recv}
	go s.readLoop()
	return s, nil
}

func (*udpSocketFactory) Unicast(intf Interface, port int, recv ReceiveFunc) (Socket, error) {
	network := "udp4"
	if intf.IsIPv6() {
		network = "udp6"
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: intf.Addr, Port: port, Zone: zoneFor(intf)})
	if err != nil {
		return nil, err
	}

	// Multicasts originate from this socket so that replies come back to it.
	// Scope outgoing multicast to the owning interface and keep the TTL
	// small; SSDP never legitimately crosses more than a few hops.
	if intf.IsIPv6() {
		p := ipv6.NewPacketConn(conn)
		if netIntf, err := net.InterfaceByIndex(intf.Index); err == nil {
			_ = p.SetMulticastInterface(netIntf)
		}
		_ = p.SetMulticastHopLimit(1)
	} else {
		p := ipv4.NewPacketConn(conn)
		if netIntf, err := net.InterfaceByIndex(intf.Index); err == nil {
			_ = p.SetMulticastInterface(netIntf)
		}
		_ = p.SetMulticastTTL(multicastTTL)
	}

	s := &udpSocket{conn: conn, recv: recv}
	go s.readLoop()
	return s, nil
}

func zoneFor(intf Interface) string {
	if intf.IsIPv6() && intf.Addr.IsLinkLocalUnicast() {
		return intf.Name
	}
	return ""
}

type udpSocket struct {
	conn *net.UDPConn
	recv ReceiveFunc
}

func (s *udpSocket) Address() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *udpSocket) Send(data []byte, dst *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, dst)
	return err
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

func (s *udpSocket) readLoop() {
	bs := make([]byte, 65536)
	for {
		n, src, err := s.conn.ReadFromUDP(bs)
		if err != nil {
			// Closed socket or fatal transport error; the loop ends and the
			// listener is only re-established on the next engine restart.
			l.Debugln("read loop ended:", err)
			return
		}
		c := make([]byte, n)
		copy(c, bs)
		s.recv(s, c, src)
	}
}

// ListInterfaces enumerates the usable multicast interfaces on this host,
// one entry per address.
func ListInterfaces() ([]Interface, error) {
	netIntfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var intfs []Interface
	for _, ni := range netIntfs {
		if ni.Flags&net.FlagUp == 0 || ni.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ni.Addrs()
		if err != nil {
			l.Debugln("listing addresses on", ni.Name, err)
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			intfs = append(intfs, Interface{
				Name:    ni.Name,
				Index:   ni.Index,
				Addr:    ipnet.IP,
				Network: ipnet,
			})
		}
	}
	return intfs, nil
}
