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

	. "gopkg.in/check.v1"

	"github.com/snapcore/mdnsd/testutil"
)

type configSuite struct {
	testutil.BaseTest
}

var _ = Suite(&configSuite{})

func (s *configSuite) TestCompleteFillsDefaults(c *C) {
	var cfg Config
	c.Assert(cfg.complete(), IsNil)
	c.Check(cfg.ProbeCount, Equals, 3)
	c.Check(cfg.ProbeInterval, Equals, 250*time.Millisecond)
	c.Check(cfg.MaxRenames, Equals, 10)
	c.Check(cfg.AnnounceCount, Equals, 2)
	c.Check(cfg.AnnounceInterval, Equals, time.Second)
	c.Check(cfg.GoodbyeCount, Equals, 2)
	c.Check(cfg.GoodbyeInterval, Equals, 250*time.Millisecond)
	c.Check(cfg.ResponseDelayMin, Equals, 20*time.Millisecond)
	c.Check(cfg.ResponseDelayMax, Equals, 120*time.Millisecond)
	c.Check(cfg.QueryInterval, Equals, time.Second)
	c.Check(cfg.QueryMax, Equals, time.Hour)
	c.Check(cfg.CacheMaxTTL, Equals, 75*time.Minute)
	c.Check(cfg.Rename, NotNil)
}

func (s *configSuite) TestCompleteKeepsExplicitValues(c *C) {
	cfg := Config{
		ProbeCount:    5,
		ProbeInterval: time.Millisecond,
		AnnounceCount: 8,
	}
	c.Assert(cfg.complete(), IsNil)
	c.Check(cfg.ProbeCount, Equals, 5)
	c.Check(cfg.ProbeInterval, Equals, time.Millisecond)
	c.Check(cfg.AnnounceCount, Equals, 8)
	c.Check(cfg.MaxRenames, Equals, 10)
}

func (s *configSuite) TestCompleteRejectsBadValues(c *C) {
	for _, t := range []struct {
		cfg Config
		err string
	}{
		{Config{ProbeCount: -1}, `cannot use negative probe-count`},
		{Config{ProbeInterval: -time.Second}, `cannot use negative probe-interval`},
		{Config{MaxRenames: -1}, `cannot use negative max-renames`},
		{Config{AnnounceCount: 9}, `cannot use announce-count greater than 8`},
		{Config{ResponseDelayMin: 30 * time.Millisecond, ResponseDelayMax: 20 * time.Millisecond}, `cannot use response-delay-max smaller than response-delay-min`},
		{Config{QueryInterval: time.Minute, QueryMax: time.Second}, `cannot use query-max smaller than query-interval`},
	} {
		cfg := t.cfg
		c.Check(cfg.complete(), ErrorMatches, t.err, Commentf("%+v", t.cfg))
	}
}

func (s *configSuite) TestDefaultRename(c *C) {
	for _, t := range []struct {
		current string
		attempt int
		renamed string
	}{
		{"gallifrey.local.", 1, "gallifrey-2.local."},
		{"gallifrey-2.local.", 2, "gallifrey-3.local."},
		{"gallifrey-9.local.", 9, "gallifrey-10.local."},
		// renumber rather than pile up suffixes
		{"box-2-2.local.", 1, "box-2-3.local."},
		{"single", 1, "single-2"},
		// a dash suffix that is not a number is left alone
		{"db-a.local.", 1, "db-a-2.local."},
		{`Sili\.con._http._tcp.local.`, 1, `Sili\.con-2._http._tcp.local.`},
	} {
		c.Check(defaultRename(t.current, t.attempt), Equals, t.renamed,
			Commentf("%q attempt %d", t.current, t.attempt))
	}
}

func (s *configSuite) TestTTLHelpers(c *C) {
	c.Check(ttlSeconds(90*time.Second), Equals, uint32(90))
	c.Check(ttlSeconds(1500*time.Millisecond), Equals, uint32(1))
	c.Check(ttlSeconds(0), Equals, uint32(0))

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.Check(remainingTTL(now.Add(90*time.Second), now), Equals, uint32(90))
	// a record still alive rounds up, never to a retracting zero
	c.Check(remainingTTL(now.Add(300*time.Millisecond), now), Equals, uint32(1))
	c.Check(remainingTTL(now, now), Equals, uint32(0))
	c.Check(remainingTTL(now.Add(-time.Second), now), Equals, uint32(0))
}
