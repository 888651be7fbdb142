// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package mdnstest provides an in-memory transport and record builders
// for testing code built on the mdns package.
package mdnstest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/mdns"
)

// Sent is one message a Responder transmitted through a Conn. Dst is
// nil for multicast.
type Sent struct {
	Msg *dns.Msg
	Dst *net.UDPAddr
}

// Conn is an in-memory mdns.Transport. Tests inject traffic with
// Deliver and inspect what the responder transmitted with Sent.
type Conn struct {
	mu      sync.Mutex
	sent    []Sent
	sendErr func(msg *dns.Msg, dst *net.UDPAddr) error
	closed  bool

	packets chan mdns.Packet
}

func NewConn() *Conn {
	return &Conn{
		packets: make(chan mdns.Packet, 64),
	}
}

// Send implements mdns.Transport, recording the decoded message.
func (c *Conn) Send(buf []byte, dst *net.UDPAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return fmt.Errorf("cannot unpack sent message: %v", err)
	}
	if c.sendErr != nil {
		if err := c.sendErr(msg, dst); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, Sent{Msg: msg, Dst: dst})
	return nil
}

// Packets implements mdns.Transport.
func (c *Conn) Packets() <-chan mdns.Packet {
	return c.packets
}

// Close implements mdns.Transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.packets)
	}
	return nil
}

// FailSend makes Send consult f first and fail with whatever it
// returns. A nil result lets the message through.
func (c *Conn) FailSend(f func(msg *dns.Msg, dst *net.UDPAddr) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = f
}

// Sent returns the messages transmitted so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// ClearSent forgets the messages transmitted so far.
func (c *Conn) ClearSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// WaitSent waits until at least n messages have been transmitted and
// returns them, or returns whatever was transmitted once the timeout
// passes.
func (c *Conn) WaitSent(n int, timeout time.Duration) []Sent {
	deadline := time.Now().Add(timeout)
	for {
		sent := c.Sent()
		if len(sent) >= n || time.Now().After(deadline) {
			return sent
		}
		time.Sleep(time.Millisecond)
	}
}

// MulticastSource is the default origin of delivered packets: some
// other responder on the link.
var MulticastSource = &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: 5353}

// LegacySource is an origin with an ephemeral port, as used by one-shot
// resolvers.
var LegacySource = &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: 33200}

// Deliver packs msg and feeds it to the responder as having arrived
// from the given source, MulticastSource when nil.
func (c *Conn) Deliver(msg *dns.Msg, from *net.UDPAddr) {
	buf, err := msg.Pack()
	if err != nil {
		panic(fmt.Sprintf("cannot pack delivered message: %v", err))
	}
	c.DeliverRaw(buf, from)
}

// DeliverRaw feeds raw packet bytes to the responder.
func (c *Conn) DeliverRaw(data []byte, from *net.UDPAddr) {
	if from == nil {
		from = MulticastSource
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		panic("cannot deliver on a closed Conn")
	}
	c.packets <- mdns.Packet{Data: data, From: from}
}

// Query builds a plain multicast query.
func Query(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.Compress = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}}
	return msg
}

// Response builds a multicast response carrying the given records.
func Response(rrs ...dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Compress = true
	msg.Answer = append(msg.Answer, rrs...)
	return msg
}

// Probe builds a probe query for name proposing the given records.
func Probe(name string, proposed ...dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Compress = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeANY, Qclass: dns.ClassINET}}
	msg.Ns = append(msg.Ns, proposed...)
	return msg
}

func header(name string, rtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{
		Name:   dns.Fqdn(name),
		Rrtype: rtype,
		Class:  dns.ClassINET,
		Ttl:    ttl,
	}
}

// A builds an address record.
func A(name string, ttl uint32, ip string) *dns.A {
	return &dns.A{
		Hdr: header(name, dns.TypeA, ttl),
		A:   net.ParseIP(ip).To4(),
	}
}

// AAAA builds an IPv6 address record.
func AAAA(name string, ttl uint32, ip string) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  header(name, dns.TypeAAAA, ttl),
		AAAA: net.ParseIP(ip),
	}
}

// SRV builds a service locator record.
func SRV(name string, ttl uint32, port uint16, target string) *dns.SRV {
	return &dns.SRV{
		Hdr:    header(name, dns.TypeSRV, ttl),
		Port:   port,
		Target: dns.Fqdn(target),
	}
}

// TXT builds a text record.
func TXT(name string, ttl uint32, txt ...string) *dns.TXT {
	return &dns.TXT{
		Hdr: header(name, dns.TypeTXT, ttl),
		Txt: txt,
	}
}

// PTR builds a pointer record.
func PTR(name string, ttl uint32, target string) *dns.PTR {
	return &dns.PTR{
		Hdr: header(name, dns.TypePTR, ttl),
		Ptr: dns.Fqdn(target),
	}
}
