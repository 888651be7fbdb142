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
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Config carries the protocol timing knobs of a Responder. The zero
// value of every field means the RFC 6762 default; negative values and
// out-of-range counts are rejected.
type Config struct {
	// ProbeCount is how many probe queries are sent before a unique
	// record set is considered verified (RFC 6762 section 8.1).
	ProbeCount int `yaml:"probe-count,omitempty"`
	// ProbeInterval separates consecutive probes; the first probe is
	// delayed by a random fraction of it.
	ProbeInterval time.Duration `yaml:"probe-interval,omitempty"`
	// MaxRenames bounds how many times a conflicting set is renamed
	// before registration fails.
	MaxRenames int `yaml:"max-renames,omitempty"`

	// AnnounceCount is how many unsolicited responses announce a
	// verified set (RFC 6762 section 8.3, at most eight).
	AnnounceCount int `yaml:"announce-count,omitempty"`
	// AnnounceInterval separates the first two announcements; the gap
	// doubles after each one.
	AnnounceInterval time.Duration `yaml:"announce-interval,omitempty"`

	// GoodbyeCount is how many zero-TTL responses retract an announced
	// set on deregistration.
	GoodbyeCount int `yaml:"goodbye-count,omitempty"`
	// GoodbyeInterval separates consecutive goodbye responses.
	GoodbyeInterval time.Duration `yaml:"goodbye-interval,omitempty"`

	// ResponseDelayMin and ResponseDelayMax bound the random delay
	// applied to multicast responses carrying shared records
	// (RFC 6762 section 6).
	ResponseDelayMin time.Duration `yaml:"response-delay-min,omitempty"`
	ResponseDelayMax time.Duration `yaml:"response-delay-max,omitempty"`

	// QueryInterval is the initial retransmission gap of a standing
	// query; it doubles per transmission up to QueryMax (RFC 6762
	// section 5.2).
	QueryInterval time.Duration `yaml:"query-interval,omitempty"`
	QueryMax      time.Duration `yaml:"query-max,omitempty"`

	// CacheMaxTTL caps the lifetime granted to cached remote records.
	CacheMaxTTL time.Duration `yaml:"cache-max-ttl,omitempty"`

	// Rename produces a replacement owner name after a probe conflict.
	// It receives the currently conflicting name and the 1-based count
	// of renames so far, and defaults to numbering the first label:
	// "host.local." becomes "host-2.local.", then "host-3.local.".
	// Record sets can override it individually.
	Rename func(current string, attempt int) string `yaml:"-"`
}

const (
	defaultProbeCount       = 3
	defaultProbeInterval    = 250 * time.Millisecond
	defaultMaxRenames       = 10
	defaultAnnounceCount    = 2
	defaultAnnounceInterval = time.Second
	defaultGoodbyeCount     = 2
	defaultGoodbyeInterval  = 250 * time.Millisecond
	defaultResponseDelayMin = 20 * time.Millisecond
	defaultResponseDelayMax = 120 * time.Millisecond
	defaultQueryInterval    = time.Second
	defaultQueryMax         = time.Hour
	defaultCacheMaxTTL      = 75 * time.Minute

	// rapid-failure damping (RFC 6762 section 8.1): after this many
	// conflicts within the window, probing waits the damping delay
	conflictDampingThreshold = 15
	conflictDampingWindow    = 10 * time.Second
	conflictDampingDelay     = 5 * time.Second

	// probe deferral after losing a simultaneous-probe tiebreak
	// (RFC 6762 section 8.2)
	probeDeferralDelay = time.Second

	// legacy resolvers get conventional unicast DNS: short TTLs and at
	// most a 512 byte message (RFC 6762 section 6.7)
	legacyMaxTTL = 10
)

func (c *Config) complete() error {
	for _, v := range []struct {
		name string
		d    *time.Duration
		dflt time.Duration
	}{
		{"probe-interval", &c.ProbeInterval, defaultProbeInterval},
		{"announce-interval", &c.AnnounceInterval, defaultAnnounceInterval},
		{"goodbye-interval", &c.GoodbyeInterval, defaultGoodbyeInterval},
		{"response-delay-min", &c.ResponseDelayMin, defaultResponseDelayMin},
		{"response-delay-max", &c.ResponseDelayMax, defaultResponseDelayMax},
		{"query-interval", &c.QueryInterval, defaultQueryInterval},
		{"query-max", &c.QueryMax, defaultQueryMax},
		{"cache-max-ttl", &c.CacheMaxTTL, defaultCacheMaxTTL},
	} {
		if *v.d < 0 {
			return fmt.Errorf("cannot use negative %s", v.name)
		}
		if *v.d == 0 {
			*v.d = v.dflt
		}
	}
	for _, v := range []struct {
		name string
		n    *int
		dflt int
	}{
		{"probe-count", &c.ProbeCount, defaultProbeCount},
		{"max-renames", &c.MaxRenames, defaultMaxRenames},
		{"announce-count", &c.AnnounceCount, defaultAnnounceCount},
		{"goodbye-count", &c.GoodbyeCount, defaultGoodbyeCount},
	} {
		if *v.n < 0 {
			return fmt.Errorf("cannot use negative %s", v.name)
		}
		if *v.n == 0 {
			*v.n = v.dflt
		}
	}
	if c.AnnounceCount > 8 {
		return fmt.Errorf("cannot use announce-count greater than 8")
	}
	if c.ResponseDelayMax < c.ResponseDelayMin {
		return fmt.Errorf("cannot use response-delay-max smaller than response-delay-min")
	}
	if c.QueryMax < c.QueryInterval {
		return fmt.Errorf("cannot use query-max smaller than query-interval")
	}
	if c.Rename == nil {
		c.Rename = defaultRename
	}
	return nil
}

// defaultRename numbers the first label of a conflicting owner name,
// recognizing and incrementing its own numbering on repeat conflicts.
func defaultRename(current string, attempt int) string {
	label, rest := splitFirstLabel(current)
	base, n := trimNameSuffix(label)
	if n < 2 {
		n = 1
	}
	return fmt.Sprintf("%s-%d%s", base, n+1, rest)
}

// splitFirstLabel splits "host.local." into "host" and ".local.",
// leaving escaped dots inside the first label alone.
func splitFirstLabel(name string) (label, rest string) {
	idx := dns.Split(name)
	if len(idx) > 1 {
		return name[:idx[1]-1], name[idx[1]-1:]
	}
	if strings.HasSuffix(name, ".") {
		return name[:len(name)-1], "."
	}
	return name, ""
}

// trimNameSuffix splits a label like "host-2" into "host" and 2. Labels
// without a numeric suffix return zero.
func trimNameSuffix(label string) (base string, n int) {
	i := strings.LastIndex(label, "-")
	if i <= 0 || i == len(label)-1 {
		return label, 0
	}
	n, err := strconv.Atoi(label[i+1:])
	if err != nil || n < 1 {
		return label, 0
	}
	return label[:i], n
}

// ttlSeconds converts a duration to DNS TTL seconds, rounding down.
func ttlSeconds(d time.Duration) uint32 {
	s := int64(d / time.Second)
	if s < 0 {
		return 0
	}
	if s > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(s)
}

// remainingTTL is the seconds left before expiry, rounded up so that a
// record still alive never reports the zero TTL of a retraction.
func remainingTTL(expires, now time.Time) uint32 {
	if !now.Before(expires) {
		return 0
	}
	return ttlSeconds(expires.Sub(now) + time.Second - 1)
}

// capTTL returns a copy of rr with its TTL limited to max seconds, or
// rr itself if already within the limit.
func capTTL(rr dns.RR, max uint32) dns.RR {
	if rr.Header().Ttl <= max {
		return rr
	}
	rr = dns.Copy(rr)
	rr.Header().Ttl = max
	return rr
}
