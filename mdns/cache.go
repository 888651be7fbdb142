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
	"time"

	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/randutil"
)

// cacheEntry is one remote record and its lifetime; rr keeps the TTL as
// granted at insert and the expiry carries the actual deadline.
type cacheEntry struct {
	rr       dns.RR
	received time.Time
	expires  time.Time
	flush    bool

	// refresh holds the deadlines at 80/85/90/95% of the lifetime at
	// which actively queried records are refreshed before they expire
	// (RFC 6762 section 5.2); consumed marks how many have passed.
	refresh  [4]time.Time
	consumed int
}

func (e *cacheEntry) key() dnsutil.Key {
	return dnsutil.KeyOf(e.rr)
}

// snapshot returns a copy of the record with the TTL it has left.
func (e *cacheEntry) snapshot(now time.Time) dns.RR {
	rr := dns.Copy(e.rr)
	rr.Header().Ttl = remainingTTL(e.expires, now)
	return rr
}

// cacheChange reports one record added to or removed from the cache.
type cacheChange struct {
	added  bool
	record dns.RR
}

// cache holds records learned from other responders, keyed by canonical
// owner name. The responder feeds it inbound response records and polls
// nextDeadline/advance from its scheduler for expiry and refresh work.
type cache struct {
	cfg     *Config
	entries map[string][]*cacheEntry
}

func newCache(cfg *Config) *cache {
	return &cache{
		cfg:     cfg,
		entries: make(map[string][]*cacheEntry),
	}
}

// insert folds one received record into the cache: a zero TTL retracts
// matching records (RFC 6762 section 10.1), the cache-flush bit evicts
// same-key records older than one second (section 10.2), an equal
// record refreshes in place, anything else is added.
func (c *cache) insert(rr dns.RR, flush bool, now time.Time) []cacheChange {
	name := dns.CanonicalName(rr.Header().Name)
	var changes []cacheChange

	if rr.Header().Ttl == 0 {
		kept := c.entries[name][:0]
		for _, e := range c.entries[name] {
			if dnsutil.EqualRecord(e.rr, rr) {
				changes = append(changes, cacheChange{record: e.snapshot(now)})
				continue
			}
			kept = append(kept, e)
		}
		c.setEntries(name, kept)
		return changes
	}

	if flush {
		key := dnsutil.KeyOf(rr)
		kept := c.entries[name][:0]
		for _, e := range c.entries[name] {
			// records from the same response burst survive the flush
			if e.key() == key && !dnsutil.EqualRecord(e.rr, rr) && now.Sub(e.received) > time.Second {
				changes = append(changes, cacheChange{record: e.snapshot(now)})
				continue
			}
			kept = append(kept, e)
		}
		c.setEntries(name, kept)
	}

	ttl := c.grantedTTL(rr)
	for _, e := range c.entries[name] {
		if dnsutil.EqualRecord(e.rr, rr) {
			e.rr.Header().Ttl = ttl
			e.received = now
			e.expires = now.Add(time.Duration(ttl) * time.Second)
			e.flush = flush
			e.refresh = refreshPoints(now, e.expires)
			e.consumed = 0
			return changes
		}
	}

	stored := dns.Copy(rr)
	dnsutil.ClearCacheFlush(stored)
	stored.Header().Ttl = ttl
	e := &cacheEntry{
		rr:       stored,
		received: now,
		expires:  now.Add(time.Duration(ttl) * time.Second),
		flush:    flush,
	}
	e.refresh = refreshPoints(now, e.expires)
	c.entries[name] = append(c.entries[name], e)
	return append(changes, cacheChange{added: true, record: e.snapshot(now)})
}

func (c *cache) grantedTTL(rr dns.RR) uint32 {
	max := ttlSeconds(c.cfg.CacheMaxTTL)
	if ttl := rr.Header().Ttl; ttl < max {
		return ttl
	}
	return max
}

func (c *cache) setEntries(name string, entries []*cacheEntry) {
	if len(entries) == 0 {
		delete(c.entries, name)
		return
	}
	c.entries[name] = entries
}

// lookup returns the live records matching name and qtype, with the TTL
// they have left.
func (c *cache) lookup(name string, qtype uint16, now time.Time) []dns.RR {
	var out []dns.RR
	for _, e := range c.entries[dns.CanonicalName(name)] {
		if !now.Before(e.expires) {
			continue
		}
		if qtype != dns.TypeANY && e.rr.Header().Rrtype != qtype {
			continue
		}
		out = append(out, e.snapshot(now))
	}
	return out
}

// knownAnswers returns the live records matching name and qtype whose
// remaining TTL is at least half the granted one; only those belong in
// the known-answer section of a query (RFC 6762 section 7.1).
func (c *cache) knownAnswers(name string, qtype uint16, now time.Time) []dns.RR {
	var out []dns.RR
	for _, e := range c.entries[dns.CanonicalName(name)] {
		if !now.Before(e.expires) {
			continue
		}
		if qtype != dns.TypeANY && e.rr.Header().Rrtype != qtype {
			continue
		}
		if remainingTTL(e.expires, now) < e.rr.Header().Ttl/2 {
			continue
		}
		out = append(out, e.snapshot(now))
	}
	return out
}

// nextDeadline reports the earliest time advance has work to do.
func (c *cache) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, entries := range c.entries {
		for _, e := range entries {
			at := e.expires
			if e.consumed < len(e.refresh) && e.refresh[e.consumed].Before(at) {
				at = e.refresh[e.consumed]
			}
			if next.IsZero() || at.Before(next) {
				next = at
			}
		}
	}
	return next, !next.IsZero()
}

// advance drops entries past their expiry and collects refresh
// questions for due entries whose key the covered callback claims, one
// question per key. Refresh points of uncovered entries are consumed
// silently, such entries simply age out.
func (c *cache) advance(now time.Time, covered func(dnsutil.Key) bool) (removed []dns.RR, refresh []dns.Question) {
	seen := make(map[dnsutil.Key]bool)
	for name, entries := range c.entries {
		kept := entries[:0]
		for _, e := range entries {
			if !now.Before(e.expires) {
				removed = append(removed, e.snapshot(now))
				continue
			}
			for e.consumed < len(e.refresh) && !now.Before(e.refresh[e.consumed]) {
				key := e.key()
				if covered(key) && !seen[key] {
					seen[key] = true
					refresh = append(refresh, dns.Question{
						Name:   e.rr.Header().Name,
						Qtype:  e.rr.Header().Rrtype,
						Qclass: dns.ClassINET,
					})
				}
				e.consumed++
			}
			kept = append(kept, e)
		}
		c.setEntries(name, kept)
	}
	return removed, refresh
}

// refreshPoints spreads the refresh deadlines over 80/85/90/95% of the
// entry lifetime, each shifted by up to 2% of extra jitter.
func refreshPoints(received, expires time.Time) [4]time.Time {
	life := expires.Sub(received)
	var pts [4]time.Time
	for i, pct := range []time.Duration{80, 85, 90, 95} {
		jitter := randutil.RandomDuration(life * 2 / 100)
		pts[i] = received.Add(life*pct/100 + jitter)
	}
	return pts
}
