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

// Package mdns implements the protocol engine of a multicast DNS
// responder as specified by RFC 6762: registration of record sets with
// probing and conflict resolution, announcement with cache-flush
// semantics, query answering with known-answer suppression, a cache of
// remote records with TTL maintenance, and standing queries with
// scheduled retransmission.
//
// All protocol state is owned by a single event loop goroutine. The
// public API marshals operations onto that loop, so Responder methods
// are safe for concurrent use. Packet I/O happens through the Transport
// interface; package multicast provides the UDP implementation and
// package mdnstest an in-memory one for tests.
package mdns

import (
	"net"

	"github.com/miekg/dns"
)

// Packet is one raw inbound datagram together with its origin.
type Packet struct {
	Data []byte
	// From is the source address; a source port other than 5353 marks
	// a legacy one-shot querier.
	From *net.UDPAddr
	// IfIndex is the index of the receiving interface, zero if the
	// transport cannot attribute one.
	IfIndex int
}

// Transport moves mDNS packets for a Responder.
type Transport interface {
	// Send transmits a packed DNS message. A nil destination multicasts
	// to the mDNS groups on all joined interfaces.
	Send(buf []byte, dst *net.UDPAddr) error
	// Packets returns the channel inbound datagrams are delivered on.
	// The transport closes it when it cannot receive anymore.
	Packets() <-chan Packet
	Close() error
}

// SetID is the handle of a registered record set. It stays valid across
// conflict renames, until the set is deregistered.
type SetID uint64

// QueryID is the handle of a standing query.
type QueryID uint64

// Status is the externally visible lifecycle state of a record set.
type Status int

const (
	// StatusProbing means the set's unique records are still being
	// verified for uniqueness on the network.
	StatusProbing Status = iota
	// StatusAnnouncing means probing succeeded and the first unsolicited
	// response has not yet been sent.
	StatusAnnouncing
	// StatusActive means the set is established and answerable.
	StatusActive
	// StatusWithdrawn means the set is being torn down and its goodbye
	// responses are still in flight.
	StatusWithdrawn
)

func (s Status) String() string {
	switch s {
	case StatusProbing:
		return "probing"
	case StatusAnnouncing:
		return "announcing"
	case StatusActive:
		return "active"
	case StatusWithdrawn:
		return "withdrawn"
	}
	return "unknown"
}

// EventOp says what happened to a cached record.
type EventOp int

const (
	// EventAdded reports a record newly learned from the network.
	EventAdded EventOp = iota
	// EventRemoved reports a record that expired, was flushed by a
	// newer unique record set, or was retracted with a zero TTL.
	EventRemoved
)

func (op EventOp) String() string {
	if op == EventAdded {
		return "added"
	}
	return "removed"
}

// Event reports a cache change covered by a standing query.
type Event struct {
	Op     EventOp
	Record dns.RR
}
