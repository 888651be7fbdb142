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

package mdns_test

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/miekg/dns"
	. "gopkg.in/check.v1"
	"gopkg.in/retry.v1"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/mdns"
	"github.com/snapcore/mdnsd/mdns/mdnstest"
	"github.com/snapcore/mdnsd/testutil"
)

type responderSuite struct {
	testutil.BaseTest

	conn *mdnstest.Conn
	r    *mdns.Responder
}

var _ = Suite(&responderSuite{})

// fastConfig keeps the protocol timing short enough for tests running
// against the real clock.
func fastConfig() mdns.Config {
	return mdns.Config{
		ProbeInterval:    time.Millisecond,
		AnnounceInterval: time.Millisecond,
		GoodbyeInterval:  time.Millisecond,
		ResponseDelayMin: time.Millisecond,
		ResponseDelayMax: 2 * time.Millisecond,
		QueryInterval:    5 * time.Millisecond,
		QueryMax:         time.Second,
	}
}

func (s *responderSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	_, restore := logger.MockLogger()
	s.AddCleanup(restore)
	s.conn = mdnstest.NewConn()
	r, err := mdns.New(s.conn, fastConfig())
	c.Assert(err, IsNil)
	s.r = r
	s.AddCleanup(func() { s.r.Close() })
}

func (s *responderSuite) waitCtx(c *C) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testutil.HostScaledTimeout(5*time.Second))
	s.AddCleanup(cancel)
	return ctx
}

func (s *responderSuite) waitUntil(c *C, msg string, f func() bool) {
	deadline := time.Now().Add(testutil.HostScaledTimeout(5 * time.Second))
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatalf("timed out waiting until %s", msg)
}

func newHostSet(c *C, name, ip string) *mdns.RecordSet {
	set, err := mdns.NewRecordSet(name)
	c.Assert(err, IsNil)
	c.Assert(set.AddUnique(mdnstest.A(name, 120, ip)), IsNil)
	return set
}

func (s *responderSuite) TestRegisterEstablishes(c *C) {
	id, err := s.r.Register(newHostSet(c, "gallifrey.local.", "192.0.2.1"))
	c.Assert(err, IsNil)

	name, err := s.r.WaitEstablished(s.waitCtx(c), id)
	c.Assert(err, IsNil)
	c.Check(name, Equals, "gallifrey.local.")

	st, err := s.r.Status(id)
	c.Assert(err, IsNil)
	c.Check(st, Equals, mdns.StatusActive)

	// three probes went out, then the announcements
	sent := s.conn.WaitSent(5, testutil.HostScaledTimeout(5*time.Second))
	c.Assert(len(sent) >= 5, Equals, true, Commentf("sent: %v", sent))
	for i := 0; i < 3; i++ {
		c.Check(sent[i].Msg.Response, Equals, false)
		c.Assert(sent[i].Msg.Question, HasLen, 1)
		c.Check(sent[i].Msg.Question[0].Qtype, Equals, dns.TypeANY)
	}
	for i := 3; i < 5; i++ {
		c.Check(sent[i].Msg.Response, Equals, true)
		c.Assert(sent[i].Msg.Answer, HasLen, 1)
		c.Check(dnsutil.CacheFlushRequested(sent[i].Msg.Answer[0]), Equals, true)
	}
}

func (s *responderSuite) TestRegisterValidation(c *C) {
	set, err := mdns.NewRecordSet("empty.local.")
	c.Assert(err, IsNil)
	_, err = s.r.Register(set)
	c.Check(err, ErrorMatches, `cannot register empty record set "empty.local."`)
}

func (s *responderSuite) TestAnswersQueries(c *C) {
	id, err := s.r.Register(newHostSet(c, "gallifrey.local.", "192.0.2.1"))
	c.Assert(err, IsNil)
	_, err = s.r.WaitEstablished(s.waitCtx(c), id)
	c.Assert(err, IsNil)
	s.conn.ClearSent()

	s.conn.Deliver(mdnstest.Query("gallifrey.local.", dns.TypeA), nil)

	sent := s.conn.WaitSent(1, testutil.HostScaledTimeout(5*time.Second))
	c.Assert(len(sent) >= 1, Equals, true)
	msg := sent[0].Msg
	c.Check(sent[0].Dst, IsNil)
	c.Check(msg.Response, Equals, true)
	c.Assert(msg.Answer, HasLen, 1)
	c.Check(msg.Answer[0].(*dns.A).A.String(), Equals, "192.0.2.1")
}

func (s *responderSuite) TestConflictForcesRename(c *C) {
	renamed := make(chan [2]string, 1)
	set := newHostSet(c, "gallifrey.local.", "192.0.2.1")
	set.OnRename = func(old, new string) {
		renamed <- [2]string{old, new}
	}
	id, err := s.r.Register(set)
	c.Assert(err, IsNil)

	// somebody already owns the name with a different address
	s.conn.Deliver(mdnstest.Response(mdnstest.A("gallifrey.local.", 120, "192.0.2.99")), nil)

	name, err := s.r.WaitEstablished(s.waitCtx(c), id)
	c.Assert(err, IsNil)
	c.Check(name, Equals, "gallifrey-2.local.")

	select {
	case pair := <-renamed:
		c.Check(pair[0], Equals, "gallifrey.local.")
		c.Check(pair[1], Equals, "gallifrey-2.local.")
	default:
		c.Fatal("rename callback did not run")
	}
}

func (s *responderSuite) TestStandingQuery(c *C) {
	events := make(chan mdns.Event, 16)
	qid, err := s.r.Query("remote.local.", dns.TypeA, func(ev mdns.Event) {
		events <- ev
	})
	c.Assert(err, IsNil)

	// the query goes out on the wire
	sent := s.conn.WaitSent(1, testutil.HostScaledTimeout(5*time.Second))
	c.Assert(len(sent) >= 1, Equals, true)
	c.Check(sent[0].Msg.Question[0].Name, Equals, "remote.local.")

	s.conn.Deliver(mdnstest.Response(mdnstest.A("remote.local.", 120, "192.0.2.7")), nil)
	select {
	case ev := <-events:
		c.Check(ev.Op, Equals, mdns.EventAdded)
		c.Check(ev.Record.(*dns.A).A.String(), Equals, "192.0.2.7")
	case <-time.After(testutil.HostScaledTimeout(5 * time.Second)):
		c.Fatal("no event for cached record")
	}

	cached, err := s.r.Cached("remote.local.", dns.TypeA)
	c.Assert(err, IsNil)
	c.Assert(cached, HasLen, 1)

	// a goodbye retracts the record
	s.conn.Deliver(mdnstest.Response(mdnstest.A("remote.local.", 0, "192.0.2.7")), nil)
	select {
	case ev := <-events:
		c.Check(ev.Op, Equals, mdns.EventRemoved)
	case <-time.After(testutil.HostScaledTimeout(5 * time.Second)):
		c.Fatal("no event for retracted record")
	}

	c.Assert(s.r.StopQuery(qid), IsNil)
	c.Check(s.r.StopQuery(qid), Equals, mdns.ErrUnknownQuery)
}

func (s *responderSuite) TestQueryReplaysCache(c *C) {
	// prime the cache through a throwaway query
	events := make(chan mdns.Event, 16)
	qid, err := s.r.Query("remote.local.", dns.TypeA, func(ev mdns.Event) {
		events <- ev
	})
	c.Assert(err, IsNil)
	s.conn.Deliver(mdnstest.Response(mdnstest.A("remote.local.", 120, "192.0.2.7")), nil)
	select {
	case <-events:
	case <-time.After(testutil.HostScaledTimeout(5 * time.Second)):
		c.Fatal("no event for cached record")
	}
	c.Assert(s.r.StopQuery(qid), IsNil)

	// a new query for the same name sees the cached record right away
	replayed := make(chan mdns.Event, 16)
	_, err = s.r.Query("remote.local.", dns.TypeA, func(ev mdns.Event) {
		replayed <- ev
	})
	c.Assert(err, IsNil)
	select {
	case ev := <-replayed:
		c.Check(ev.Op, Equals, mdns.EventAdded)
	default:
		c.Fatal("cached record was not replayed")
	}
}

func (s *responderSuite) TestDeregisterSendsGoodbyes(c *C) {
	id, err := s.r.Register(newHostSet(c, "gallifrey.local.", "192.0.2.1"))
	c.Assert(err, IsNil)
	_, err = s.r.WaitEstablished(s.waitCtx(c), id)
	c.Assert(err, IsNil)
	s.conn.ClearSent()

	c.Assert(s.r.Deregister(id), IsNil)

	sent := s.conn.WaitSent(2, testutil.HostScaledTimeout(5*time.Second))
	c.Assert(len(sent) >= 2, Equals, true)
	for i := 0; i < 2; i++ {
		c.Check(sent[i].Msg.Response, Equals, true)
		c.Assert(sent[i].Msg.Answer, HasLen, 1)
		c.Check(sent[i].Msg.Answer[0].Header().Ttl, Equals, uint32(0))
	}

	s.waitUntil(c, "the record set is gone", func() bool {
		_, err := s.r.Status(id)
		return err == mdns.ErrUnknownSet
	})
	c.Check(s.r.Deregister(id), Equals, mdns.ErrUnknownSet)
}

func (s *responderSuite) TestCloseWithdrawsEverything(c *C) {
	id, err := s.r.Register(newHostSet(c, "gallifrey.local.", "192.0.2.1"))
	c.Assert(err, IsNil)
	_, err = s.r.WaitEstablished(s.waitCtx(c), id)
	c.Assert(err, IsNil)
	s.conn.ClearSent()

	c.Assert(s.r.Close(), IsNil)

	sent := s.conn.Sent()
	c.Assert(len(sent) >= 2, Equals, true, Commentf("sent: %v", sent))
	for _, m := range sent {
		for _, rr := range m.Msg.Answer {
			c.Check(rr.Header().Ttl, Equals, uint32(0))
		}
	}

	_, err = s.r.Register(newHostSet(c, "other.local.", "192.0.2.2"))
	c.Check(err, Equals, mdns.ErrClosed)
	_, err = s.r.Cached("remote.local.", dns.TypeA)
	c.Check(err, Equals, mdns.ErrClosed)
	_, err = s.r.Query("remote.local.", dns.TypeA, func(mdns.Event) {})
	c.Check(err, Equals, mdns.ErrClosed)
}

func (s *responderSuite) TestWaitEstablishedUnknownSet(c *C) {
	_, err := s.r.WaitEstablished(s.waitCtx(c), mdns.SetID(999))
	c.Check(err, Equals, mdns.ErrUnknownSet)
}

func (s *responderSuite) TestWaitEstablishedHonorsContext(c *C) {
	// slow probing keeps the set unestablished for the whole test
	conn := mdnstest.NewConn()
	r, err := mdns.New(conn, mdns.Config{ProbeInterval: time.Minute})
	c.Assert(err, IsNil)
	s.AddCleanup(func() { r.Close() })

	id, err := r.Register(newHostSet(c, "gallifrey.local.", "192.0.2.1"))
	c.Assert(err, IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.WaitEstablished(ctx, id)
	c.Check(err, Equals, context.Canceled)
}

func (s *responderSuite) TestSendRetriesTransientErrors(c *C) {
	restore := mdns.MockSendRetryStrategy(retry.LimitCount(5, retry.Exponential{
		Initial: time.Microsecond,
		Factor:  2,
	}))
	s.AddCleanup(restore)

	fails := 2
	s.conn.FailSend(func(msg *dns.Msg, dst *net.UDPAddr) error {
		if fails > 0 {
			fails--
			return syscall.ENOBUFS
		}
		return nil
	})

	id, err := s.r.Register(newHostSet(c, "gallifrey.local.", "192.0.2.1"))
	c.Assert(err, IsNil)
	_, err = s.r.WaitEstablished(s.waitCtx(c), id)
	c.Assert(err, IsNil)

	// the first probe made it out despite the transient failures
	sent := s.conn.Sent()
	c.Assert(len(sent) >= 1, Equals, true)
	c.Check(fails, Equals, 0)
}

func (s *responderSuite) TestTransportFailureKillsResponder(c *C) {
	conn := mdnstest.NewConn()
	r, err := mdns.New(conn, fastConfig())
	c.Assert(err, IsNil)

	// the transport going away under the responder is fatal
	c.Assert(conn.Close(), IsNil)
	select {
	case <-r.Dying():
	case <-time.After(testutil.HostScaledTimeout(5 * time.Second)):
		c.Fatal("responder did not notice the dead transport")
	}
	c.Check(r.Close(), ErrorMatches, "transport closed unexpectedly")
}
