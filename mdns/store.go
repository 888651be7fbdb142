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

package mdns

import (
	"fmt"
	"sort"
	"time"

	"github.com/juju/ratelimit"
	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/dnsutil"
)

// RecordSet is the unit of registration: a group of records sharing one
// owner name that live and die together. Unique records are probed for
// exclusive ownership and announced with the cache-flush bit; shared
// records (PTR style) skip probing and are answered with a random delay.
//
// A set is built with NewRecordSet and AddUnique/AddShared, then handed
// to Responder.Register, after which it belongs to the responder and
// must not be modified.
type RecordSet struct {
	name   string
	unique []dns.RR
	shared []dns.RR

	// Rename, when non-nil, overrides Config.Rename for this set.
	Rename func(current string, attempt int) string

	// OnRename, when non-nil, is called from the responder's event loop
	// whenever a conflict forces the set to a new owner name, so that
	// dependent record sets can be rebuilt. It must not block and must
	// not call back into the Responder directly.
	OnRename func(old, new string)
}

// NewRecordSet returns an empty record set owning the given name. The
// name is completed to fully qualified form.
func NewRecordSet(name string) (*RecordSet, error) {
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		return nil, fmt.Errorf("cannot use %q as a record set name", name)
	}
	return &RecordSet{name: dns.Fqdn(name)}, nil
}

// Name returns the set's current owner name, which conflict renames can
// change after registration.
func (s *RecordSet) Name() string {
	return s.name
}

// AddUnique adds a record whose ownership is exclusive to this host and
// must be verified by probing before use.
func (s *RecordSet) AddUnique(rr dns.RR) error {
	rr, err := s.prepare(rr)
	if err != nil {
		return err
	}
	s.unique = append(s.unique, rr)
	return nil
}

// AddShared adds a record that legitimately coexists with records of
// the same name on other hosts, such as the PTR records of service
// discovery.
func (s *RecordSet) AddShared(rr dns.RR) error {
	rr, err := s.prepare(rr)
	if err != nil {
		return err
	}
	s.shared = append(s.shared, rr)
	return nil
}

// Records returns copies of all records in the set, unique first.
func (s *RecordSet) Records() []dns.RR {
	out := make([]dns.RR, 0, len(s.unique)+len(s.shared))
	for _, rr := range s.unique {
		out = append(out, dns.Copy(rr))
	}
	for _, rr := range s.shared {
		out = append(out, dns.Copy(rr))
	}
	return out
}

func (s *RecordSet) prepare(rr dns.RR) (dns.RR, error) {
	if rr == nil {
		return nil, fmt.Errorf("cannot add a nil record")
	}
	hdr := rr.Header()
	if !dnsutil.SameName(hdr.Name, s.name) {
		return nil, fmt.Errorf("cannot add record for %q: owner does not match set name %q", hdr.Name, s.name)
	}
	if dnsutil.RecordClass(rr) != dns.ClassINET {
		return nil, fmt.Errorf("cannot add record for %q: only class IN is supported", hdr.Name)
	}
	if hdr.Ttl == 0 {
		return nil, fmt.Errorf("cannot add record for %q with zero TTL", hdr.Name)
	}
	for _, have := range s.all() {
		if dnsutil.EqualRecord(have, rr) {
			return nil, fmt.Errorf("cannot add record for %q: an equal record is already in the set", hdr.Name)
		}
	}
	rr = dns.Copy(rr)
	// the flush bit is applied at response build time, never stored
	dnsutil.ClearCacheFlush(rr)
	rr.Header().Name = dns.Fqdn(hdr.Name)
	return rr, nil
}

func (s *RecordSet) all() []dns.RR {
	out := make([]dns.RR, 0, len(s.unique)+len(s.shared))
	out = append(out, s.unique...)
	return append(out, s.shared...)
}

func (s *RecordSet) answers() []answer {
	out := make([]answer, 0, len(s.unique)+len(s.shared))
	for _, rr := range s.unique {
		out = append(out, answer{rr: rr, unique: true})
	}
	for _, rr := range s.shared {
		out = append(out, answer{rr: rr})
	}
	return out
}

// rename rewrites the owner name of every record in the set.
func (s *RecordSet) rename(name string) {
	s.name = dns.Fqdn(name)
	for _, rr := range s.unique {
		rr.Header().Name = s.name
	}
	for _, rr := range s.shared {
		rr.Header().Name = s.name
	}
}

// answer is one record selected for a response.
type answer struct {
	rr     dns.RR
	unique bool
}

// lifecycle is the internal state of a registered set (RFC 6762
// sections 8 and 10.1).
type lifecycle int

const (
	stateProbing lifecycle = iota
	stateConflictPending
	stateAnnouncing
	stateActive
	stateWithdrawn
)

func (l lifecycle) String() string {
	switch l {
	case stateProbing:
		return "probing"
	case stateConflictPending:
		return "conflict-pending"
	case stateAnnouncing:
		return "announcing"
	case stateActive:
		return "active"
	case stateWithdrawn:
		return "withdrawn"
	}
	return "invalid"
}

func (l lifecycle) status() Status {
	switch l {
	case stateProbing, stateConflictPending:
		return StatusProbing
	case stateAnnouncing:
		return StatusAnnouncing
	case stateActive:
		return StatusActive
	}
	return StatusWithdrawn
}

type establishResult struct {
	name string
	err  error
}

// setState is the per-set bookkeeping of the probe/announce lifecycle.
type setState struct {
	id  SetID
	set *RecordSet

	state lifecycle

	// probing
	probesSent int
	renames    int
	// conflicts holds recent conflict times for rapid-failure damping
	conflicts []time.Time

	// announcing
	announcesSent int
	announceGap   time.Duration

	// active; the bucket limits defensive re-announcements to one per
	// second, a second conflict within the window forces re-probing
	defense *ratelimit.Bucket

	// withdrawal
	everAnnounced bool
	goodbyesSent  int

	// the set's single pending lifecycle task, zero when none
	task taskID

	// waiters are WaitEstablished callers, signalled once on the first
	// transition to Active or on terminal failure
	waiters []chan establishResult
}

// resolveWaiters delivers the establishment outcome to pending
// WaitEstablished callers.
func (ss *setState) resolveWaiters(res establishResult) {
	for _, w := range ss.waiters {
		w <- res
	}
	ss.waiters = nil
}

// recentConflicts counts conflicts within the damping window and prunes
// older ones.
func (ss *setState) recentConflicts(now time.Time) int {
	keep := ss.conflicts[:0]
	for _, t := range ss.conflicts {
		if now.Sub(t) <= conflictDampingWindow {
			keep = append(keep, t)
		}
	}
	ss.conflicts = keep
	return len(keep)
}

// store is the arena of registered record sets, keyed by SetID so that
// handles survive renames and carry no pointers outward.
type store struct {
	sets   map[SetID]*setState
	lastID SetID
}

func newStore() *store {
	return &store{sets: make(map[SetID]*setState)}
}

func (st *store) add(set *RecordSet) *setState {
	st.lastID++
	ss := &setState{
		id:    st.lastID,
		set:   set,
		state: stateProbing,
	}
	st.sets[ss.id] = ss
	return ss
}

func (st *store) get(id SetID) *setState {
	return st.sets[id]
}

func (st *store) remove(id SetID) {
	delete(st.sets, id)
}

func (st *store) empty() bool {
	return len(st.sets) == 0
}

// sorted returns all sets in registration order, for deterministic
// iteration.
func (st *store) sorted() []*setState {
	out := make([]*setState, 0, len(st.sets))
	for _, ss := range st.sets {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// answerable returns the records matching a question, from Active sets
// only.
func (st *store) answerable(name string, qtype uint16) []answer {
	var out []answer
	for _, ss := range st.sorted() {
		if ss.state != stateActive {
			continue
		}
		if !dnsutil.SameName(ss.set.name, name) {
			continue
		}
		for _, a := range ss.set.answers() {
			if qtype == dns.TypeANY || a.rr.Header().Rrtype == qtype {
				out = append(out, a)
			}
		}
	}
	return out
}

// ownsUniqueKey reports whether any live set claims the key with a
// unique record; such keys never enter the cache.
func (st *store) ownsUniqueKey(key dnsutil.Key) bool {
	for _, ss := range st.sets {
		if ss.state == stateWithdrawn {
			continue
		}
		for _, rr := range ss.set.unique {
			if dnsutil.KeyOf(rr) == key {
				return true
			}
		}
	}
	return false
}

// uniqueConflicts returns the live sets holding a unique record with
// rr's key but different rdata.
func (st *store) uniqueConflicts(rr dns.RR) []*setState {
	var out []*setState
	key := dnsutil.KeyOf(rr)
	for _, ss := range st.sorted() {
		if ss.state == stateWithdrawn {
			continue
		}
		for _, have := range ss.set.unique {
			if dnsutil.KeyOf(have) == key && !dnsutil.EqualRecord(have, rr) {
				out = append(out, ss)
				break
			}
		}
	}
	return out
}

// probingFor returns the sets probing for the given owner name.
func (st *store) probingFor(name string) []*setState {
	var out []*setState
	for _, ss := range st.sorted() {
		if ss.state == stateProbing && dnsutil.SameName(ss.set.name, name) {
			out = append(out, ss)
		}
	}
	return out
}
