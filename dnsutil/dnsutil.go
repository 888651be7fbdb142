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

// Package dnsutil is the DNS wire layer of the responder: a thin wrapper
// around github.com/miekg/dns that adds the multicast DNS reading of the
// class field (the cache-flush and unicast-response bits of RFC 6762),
// validation of inbound packets, and the record identity and ordering
// operations that probing and conflict resolution are built on.
package dnsutil

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

const (
	// Port is the well-known mDNS port. Queries arriving from any other
	// source port come from one-shot legacy resolvers (RFC 6762
	// section 6.7) and are answered with conventional unicast DNS.
	Port = 5353

	// MaxPacketSize is the upper bound RFC 6762 section 17 places on an
	// mDNS packet, including IP and UDP headers. We apply it to the DNS
	// payload alone, which errs on the small side.
	MaxPacketSize = 9000

	// headerLen is the fixed size of a DNS message header.
	headerLen = 12

	// classBit is the top bit of the class field, which mDNS reuses: in
	// a question it requests a unicast response (RFC 6762 section 5.4),
	// in a resource record it marks a unique record whose cached rivals
	// must be flushed (section 10.2).
	classBit = 1 << 15
)

var (
	// ErrTruncated means the packet ended before its header or record
	// counts said it would.
	ErrTruncated = errors.New("truncated message")

	// ErrMalformedName means an owner or rdata domain name could not be
	// decoded, for example because of looping compression pointers.
	ErrMalformedName = errors.New("malformed domain name")

	// ErrNonZeroOpcode and ErrNonZeroRcode mark messages that RFC 6762
	// sections 18.3 and 18.11 require receivers to silently ignore.
	ErrNonZeroOpcode = errors.New("non-zero OPCODE")
	ErrNonZeroRcode  = errors.New("non-zero RCODE")

	// ErrMessageTooLarge means the packed message exceeds MaxPacketSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum mDNS packet size")
)

// Decode unpacks a raw mDNS packet.
//
// Messages carrying a non-zero OPCODE or RCODE are rejected with
// ErrNonZeroOpcode or ErrNonZeroRcode so that callers drop them, as
// RFC 6762 section 18 demands. Records of unknown type are preserved with
// opaque rdata and flow through untouched.
func Decode(buf []byte) (*dns.Msg, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("cannot decode DNS message: %w", ErrTruncated)
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("cannot decode DNS message: %w", classifyUnpackError(err))
	}
	if msg.Opcode != dns.OpcodeQuery {
		return nil, ErrNonZeroOpcode
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, ErrNonZeroRcode
	}
	return msg, nil
}

// classifyUnpackError maps the unpack errors miekg/dns reports for
// adversarial input onto our error taxonomy where they are recognizable.
func classifyUnpackError(err error) error {
	switch {
	case errors.Is(err, dns.ErrBuf):
		return ErrTruncated
	case errors.Is(err, dns.ErrLongDomain), strings.Contains(err.Error(), "compression pointer"):
		return ErrMalformedName
	}
	return err
}

// Encode packs msg for transmission. Messages that would exceed
// MaxPacketSize fail with ErrMessageTooLarge rather than truncate; the
// caller decides how to split.
func Encode(msg *dns.Msg) ([]byte, error) {
	buf, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("cannot encode DNS message: %v", err)
	}
	if len(buf) > MaxPacketSize {
		return nil, fmt.Errorf("cannot encode DNS message of %d bytes: %w", len(buf), ErrMessageTooLarge)
	}
	return buf, nil
}

// QuestionWantsUnicast reports whether the question's QU bit is set,
// asking for the response to be sent unicast to the querier.
func QuestionWantsUnicast(q dns.Question) bool {
	return q.Qclass&classBit != 0
}

// SetQuestionUnicast sets the QU bit on the question.
func SetQuestionUnicast(q *dns.Question) {
	q.Qclass |= classBit
}

// QuestionClass returns the question's class with the QU bit cleared.
func QuestionClass(q dns.Question) uint16 {
	return q.Qclass &^ classBit
}

// CacheFlushRequested reports whether the record carries the cache-flush
// bit, marking it as a member of a unique record set.
func CacheFlushRequested(rr dns.RR) bool {
	return rr.Header().Class&classBit != 0
}

// SetCacheFlush sets the cache-flush bit on the record in place.
func SetCacheFlush(rr dns.RR) {
	rr.Header().Class |= classBit
}

// ClearCacheFlush clears the cache-flush bit on the record in place.
func ClearCacheFlush(rr dns.RR) {
	rr.Header().Class &^= classBit
}

// RecordClass returns the record's class with the cache-flush bit cleared.
func RecordClass(rr dns.RR) uint16 {
	return rr.Header().Class &^ classBit
}

// SameName reports whether two domain names are equal under DNS
// case-insensitivity.
func SameName(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

// Key identifies a record set member for conflict and cache purposes:
// canonicalized owner name, type, and class with the cache-flush bit
// cleared.
type Key struct {
	Name  string
	Type  uint16
	Class uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s %s", k.Name, dns.ClassToString[k.Class], dns.TypeToString[k.Type])
}

// KeyOf returns the record's Key.
func KeyOf(rr dns.RR) Key {
	hdr := rr.Header()
	return Key{
		Name:  dns.CanonicalName(hdr.Name),
		Type:  hdr.Rrtype,
		Class: hdr.Class &^ classBit,
	}
}

// SameKey reports whether a and b share owner name (case-insensitively),
// type, and class, ignoring the cache-flush bit.
func SameKey(a, b dns.RR) bool {
	return KeyOf(a) == KeyOf(b)
}

// EqualRecord reports whether a and b match in key and rdata. TTL and the
// cache-flush bit are ignored.
func EqualRecord(a, b dns.RR) bool {
	// IsDuplicate compares the class field verbatim, so hand it copies
	// with the cache-flush bit cleared.
	if CacheFlushRequested(a) {
		a = dns.Copy(a)
		ClearCacheFlush(a)
	}
	if CacheFlushRequested(b) {
		b = dns.Copy(b)
		ClearCacheFlush(b)
	}
	return dns.IsDuplicate(a, b)
}

// RDataBytes returns the record's rdata in uncompressed wire format.
func RDataBytes(rr dns.RR) ([]byte, error) {
	buf := make([]byte, dns.Len(rr))
	nameLen, err := dns.PackDomainName(rr.Header().Name, buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("cannot pack record owner name: %v", err)
	}
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("cannot pack record: %v", err)
	}
	// skip type, class, TTL, and rdlength after the owner name
	start := nameLen + 10
	if start > off {
		return nil, fmt.Errorf("cannot pack record: wire form shorter than its header")
	}
	return buf[start:off], nil
}

// wireForm is the portion of a record that probe tie-breaking compares.
type wireForm struct {
	class uint16
	rtype uint16
	rdata []byte
}

func wireFormOf(rr dns.RR) (wireForm, error) {
	rdata, err := RDataBytes(rr)
	if err != nil {
		return wireForm{}, err
	}
	return wireForm{
		class: RecordClass(rr),
		rtype: rr.Header().Rrtype,
		rdata: rdata,
	}, nil
}

func compareWireForms(a, b wireForm) int {
	switch {
	case a.class != b.class:
		if a.class < b.class {
			return -1
		}
		return 1
	case a.rtype != b.rtype:
		if a.rtype < b.rtype {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.rdata, b.rdata)
}

// CompareRecords orders two records the way simultaneous probe
// tie-breaking does (RFC 6762 section 8.2.1): by class with the
// cache-flush bit cleared, then by type, then by the raw uncompressed
// rdata interpreted as unsigned bytes, a shorter rdata that is a prefix
// of a longer one ordering first. It returns -1, 0, or 1.
func CompareRecords(a, b dns.RR) (int, error) {
	wa, err := wireFormOf(a)
	if err != nil {
		return 0, err
	}
	wb, err := wireFormOf(b)
	if err != nil {
		return 0, err
	}
	return compareWireForms(wa, wb), nil
}

// TieBreak decides a simultaneous probe dispute (RFC 6762 section 8.2.1)
// between our proposed records and the tiebreaker records another host
// sent in the authority section of its probe. Both sides are sorted into
// tie-break order and compared pairwise; the first difference decides,
// and if one side runs out of records first the side with records
// remaining wins. It returns a negative number if our records lose, zero
// on a full tie, and a positive number if they win.
func TieBreak(ours, theirs []dns.RR) (int, error) {
	os, err := sortedWireForms(ours)
	if err != nil {
		return 0, err
	}
	ts, err := sortedWireForms(theirs)
	if err != nil {
		return 0, err
	}
	for i := 0; i < len(os) && i < len(ts); i++ {
		if c := compareWireForms(os[i], ts[i]); c != 0 {
			return c, nil
		}
	}
	switch {
	case len(os) < len(ts):
		return -1, nil
	case len(os) > len(ts):
		return 1, nil
	}
	return 0, nil
}

func sortedWireForms(rrs []dns.RR) ([]wireForm, error) {
	forms := make([]wireForm, 0, len(rrs))
	for _, rr := range rrs {
		w, err := wireFormOf(rr)
		if err != nil {
			return nil, err
		}
		forms = append(forms, w)
	}
	sort.Slice(forms, func(i, j int) bool {
		return compareWireForms(forms[i], forms[j]) < 0
	})
	return forms, nil
}
