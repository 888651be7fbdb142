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
	"bytes"
	"net"
	"time"

	"github.com/miekg/dns"
	. "gopkg.in/check.v1"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/testutil"
)

// recordingConn is a Transport recording what the responder sends.
// The lifecycle tests drive the responder directly instead of through
// its event loop, so no locking is needed.
type recordingConn struct {
	sent    []sentMsg
	sendErr func() error
	packets chan Packet
}

type sentMsg struct {
	msg  *dns.Msg
	dst  *net.UDPAddr
	size int
}

func newRecordingConn() *recordingConn {
	return &recordingConn{packets: make(chan Packet, 16)}
}

func (rc *recordingConn) Send(buf []byte, dst *net.UDPAddr) error {
	if rc.sendErr != nil {
		if err := rc.sendErr(); err != nil {
			return err
		}
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		panic("recordingConn: cannot unpack sent message: " + err.Error())
	}
	rc.sent = append(rc.sent, sentMsg{msg: msg, dst: dst, size: len(buf)})
	return nil
}

func (rc *recordingConn) Packets() <-chan Packet {
	return rc.packets
}

func (rc *recordingConn) Close() error {
	return nil
}

// baseResponderSuite drives a responder without its event loop: fake
// time moves through the scheduler, packets go straight into the
// handlers.
type baseResponderSuite struct {
	testutil.BaseTest

	log  *bytes.Buffer
	conn *recordingConn
	r    *Responder
	now  time.Time
}

func (s *baseResponderSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	log, restore := logger.MockLogger()
	s.AddCleanup(restore)
	s.log = log
	s.conn = newRecordingConn()
	r, err := newResponder(s.conn, Config{})
	c.Assert(err, IsNil)
	s.r = r
	s.now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
}

// step advances fake time to the next scheduled deadline and runs it.
func (s *baseResponderSuite) step(c *C) {
	when, ok := s.r.sched.next()
	c.Assert(ok, Equals, true, Commentf("no task scheduled"))
	if when.After(s.now) {
		s.now = when
	}
	s.r.sched.fire(s.now)
}

func (s *baseResponderSuite) nextDeadline(c *C) time.Time {
	when, ok := s.r.sched.next()
	c.Assert(ok, Equals, true)
	return when
}

func (s *baseResponderSuite) register(c *C, set *RecordSet) *setState {
	ss := s.r.store.add(set)
	s.r.startProbing(ss, s.now)
	return ss
}

func (s *baseResponderSuite) hostSet(c *C, name string) *RecordSet {
	set, err := NewRecordSet(name)
	c.Assert(err, IsNil)
	c.Assert(set.AddUnique(aRec(name, 120, "192.0.2.1")), IsNil)
	return set
}

// establish drives a freshly registered set to the active state.
func (s *baseResponderSuite) establish(c *C, ss *setState) {
	for ss.state != stateActive {
		s.step(c)
	}
	s.conn.sent = nil
}

type fsmSuite struct {
	baseResponderSuite
}

var _ = Suite(&fsmSuite{})

func (s *fsmSuite) TestProbeSequenceTiming(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	c.Check(ss.state, Equals, stateProbing)

	// the first probe waits a random fraction of the probe interval
	first := s.nextDeadline(c)
	c.Check(first.Before(s.now), Equals, false)
	c.Check(first.Before(s.now.Add(250*time.Millisecond)), Equals, true)

	s.step(c)
	c.Assert(s.conn.sent, HasLen, 1)
	c.Check(ss.probesSent, Equals, 1)

	// the rest follow at the probe interval
	c.Check(s.nextDeadline(c), Equals, s.now.Add(250*time.Millisecond))
	s.step(c)
	s.step(c)
	c.Assert(s.conn.sent, HasLen, 3)
	c.Check(ss.state, Equals, stateProbing)

	// one interval later probing ends and the first announcement
	// goes straight out
	s.step(c)
	c.Check(ss.state, Equals, stateActive)
	c.Assert(s.conn.sent, HasLen, 4)
}

func (s *fsmSuite) TestProbeMessage(c *C) {
	set, err := NewRecordSet("gallifrey.local.")
	c.Assert(err, IsNil)
	c.Assert(set.AddUnique(aRec("gallifrey.local.", 120, "192.0.2.1")), IsNil)
	c.Assert(set.AddShared(txtRec("gallifrey.local.", 120, "k=v")), IsNil)
	s.register(c, set)
	s.step(c)

	c.Assert(s.conn.sent, HasLen, 1)
	msg := s.conn.sent[0].msg
	c.Check(s.conn.sent[0].dst, IsNil)
	c.Check(msg.Response, Equals, false)
	c.Assert(msg.Question, HasLen, 1)
	c.Check(msg.Question[0].Name, Equals, "gallifrey.local.")
	c.Check(msg.Question[0].Qtype, Equals, dns.TypeANY)
	c.Check(dnsutil.QuestionWantsUnicast(msg.Question[0]), Equals, true)

	// only the unique records are proposed for tie-breaking
	c.Assert(msg.Ns, HasLen, 1)
	c.Check(msg.Ns[0].Header().Rrtype, Equals, dns.TypeA)
	c.Check(dnsutil.CacheFlushRequested(msg.Ns[0]), Equals, false)
}

func (s *fsmSuite) TestProbesAggregateAcrossSets(c *C) {
	host := s.register(c, s.hostSet(c, "gallifrey.local."))
	set, err := NewRecordSet("tardis._http._tcp.local.")
	c.Assert(err, IsNil)
	c.Assert(set.AddUnique(srvRec("tardis._http._tcp.local.", 120, 8080, "gallifrey.local.")), IsNil)
	inst := s.register(c, set)

	// the second set joined the pending probe schedule of the first
	first := s.nextDeadline(c)
	when, ok := s.r.sched.when(inst.task)
	c.Assert(ok, Equals, true)
	c.Check(when.Equal(first), Equals, true)

	for i := 0; i < 3; i++ {
		s.step(c)
	}
	c.Check(host.probesSent, Equals, 3)
	c.Check(inst.probesSent, Equals, 3)

	// one packet per round carries both questions and the proposed
	// records of both sets
	c.Assert(s.conn.sent, HasLen, 3)
	for _, sent := range s.conn.sent {
		msg := sent.msg
		c.Check(msg.Response, Equals, false)
		c.Assert(msg.Question, HasLen, 2)
		c.Check(msg.Question[0].Name, Equals, "gallifrey.local.")
		c.Check(msg.Question[1].Name, Equals, "tardis._http._tcp.local.")
		c.Assert(msg.Ns, HasLen, 2)
		c.Check(msg.Ns[0].Header().Rrtype, Equals, dns.TypeA)
		c.Check(msg.Ns[1].Header().Rrtype, Equals, dns.TypeSRV)
	}

	// both sets finish probing in the same pass and announce on their own
	s.step(c)
	c.Check(host.state, Equals, stateActive)
	c.Check(inst.state, Equals, stateActive)
	c.Check(s.conn.sent, HasLen, 5)
}

func (s *fsmSuite) TestProbeConflictLeavesBatchPeerAlone(c *C) {
	host := s.register(c, s.hostSet(c, "gallifrey.local."))
	set, err := NewRecordSet("tardis._http._tcp.local.")
	c.Assert(err, IsNil)
	c.Assert(set.AddUnique(srvRec("tardis._http._tcp.local.", 120, 8080, "gallifrey.local.")), IsNil)
	inst := s.register(c, set)
	s.step(c)

	// a denial of the host name renames only the host set; the other
	// set keeps its probe schedule
	s.r.handleResponse(mdnsResponse(aRec("gallifrey.local.", 120, "192.0.2.99")), s.now)
	c.Check(host.state, Equals, stateConflictPending)
	c.Check(inst.state, Equals, stateProbing)
	c.Check(inst.probesSent, Equals, 1)

	s.step(c) // applyRename
	c.Check(host.set.name, Equals, "gallifrey-2.local.")

	// the renamed host rejoins the other set's probe packets
	s.conn.sent = nil
	for inst.state == stateProbing || host.state == stateProbing {
		s.step(c)
	}
	for _, sent := range s.conn.sent {
		if sent.msg.Response || len(sent.msg.Question) != 2 {
			continue
		}
		c.Check(sent.msg.Question[0].Name, Equals, "gallifrey-2.local.")
		c.Check(sent.msg.Question[1].Name, Equals, "tardis._http._tcp.local.")
	}
}

func (s *fsmSuite) TestAnnounceAfterProbing(c *C) {
	set, err := NewRecordSet("gallifrey.local.")
	c.Assert(err, IsNil)
	c.Assert(set.AddUnique(aRec("gallifrey.local.", 120, "192.0.2.1")), IsNil)
	c.Assert(set.AddShared(txtRec("gallifrey.local.", 120, "k=v")), IsNil)
	ss := s.register(c, set)

	waiter := make(chan establishResult, 1)
	ss.waiters = append(ss.waiters, waiter)

	for i := 0; i < 3; i++ {
		s.step(c)
	}
	// probes done, the first announcement fires in the same pass as
	// the transition out of probing
	s.conn.sent = nil
	s.step(c)
	c.Assert(s.conn.sent, HasLen, 1)
	msg := s.conn.sent[0].msg

	c.Check(msg.Response, Equals, true)
	c.Check(msg.Authoritative, Equals, true)
	c.Check(msg.Question, HasLen, 0)
	c.Assert(msg.Answer, HasLen, 2)
	// the unique record announces with the cache-flush bit, shared without
	c.Check(dnsutil.CacheFlushRequested(msg.Answer[0]), Equals, true)
	c.Check(dnsutil.CacheFlushRequested(msg.Answer[1]), Equals, false)

	// answerable right after the first announcement
	c.Check(ss.state, Equals, stateActive)
	select {
	case res := <-waiter:
		c.Check(res.err, IsNil)
		c.Check(res.name, Equals, "gallifrey.local.")
	default:
		c.Fatal("establishment was not signalled")
	}

	// the second announcement follows after the announce interval
	c.Check(s.nextDeadline(c), Equals, s.now.Add(time.Second))
	s.step(c)
	c.Assert(s.conn.sent, HasLen, 2)
	c.Check(ss.announcesSent, Equals, 2)
}

func (s *fsmSuite) TestAnnounceGapDoubles(c *C) {
	r, err := newResponder(s.conn, Config{AnnounceCount: 4})
	c.Assert(err, IsNil)
	s.r = r

	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	for i := 0; i < 4; i++ {
		s.step(c)
	}
	c.Check(ss.announcesSent, Equals, 1)

	c.Check(s.nextDeadline(c), Equals, s.now.Add(time.Second))
	s.step(c)
	c.Check(s.nextDeadline(c), Equals, s.now.Add(2*time.Second))
	s.step(c)
	c.Check(s.nextDeadline(c), Equals, s.now.Add(4*time.Second))
	s.step(c)
	c.Check(ss.announcesSent, Equals, 4)
}

func (s *fsmSuite) TestSharedOnlySetSkipsProbing(c *C) {
	set, err := NewRecordSet("_http._tcp.local.")
	c.Assert(err, IsNil)
	c.Assert(set.AddShared(ptrRec("_http._tcp.local.", 4500, "tardis._http._tcp.local.")), IsNil)
	ss := s.register(c, set)

	c.Check(ss.state, Equals, stateAnnouncing)
	s.step(c)
	c.Check(ss.state, Equals, stateActive)
	c.Assert(s.conn.sent, HasLen, 1)
	c.Check(dnsutil.CacheFlushRequested(s.conn.sent[0].msg.Answer[0]), Equals, false)
}

func (s *fsmSuite) TestProbeTieBreakLost(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	s.step(c)
	c.Check(ss.probesSent, Equals, 1)

	// a simultaneous probe proposing greater rdata wins
	theirs := probeMsg(s.hostSet(c, "gallifrey.local."))
	theirs.Ns = []dns.RR{aRec("gallifrey.local.", 120, "192.0.2.99")}
	s.r.handleQuery(theirs, multicastFrom(), s.now)

	c.Check(ss.state, Equals, stateProbing)
	c.Check(ss.probesSent, Equals, 0)
	c.Check(ss.renames, Equals, 0)
	// probing restarts after the one second deferral
	c.Check(s.nextDeadline(c), Equals, s.now.Add(time.Second))

	s.step(c)
	c.Check(ss.probesSent, Equals, 1)
	c.Check(ss.set.name, Equals, "gallifrey.local.")
}

func (s *fsmSuite) TestProbeTieBreakWon(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	s.step(c)
	before := s.nextDeadline(c)

	theirs := probeMsg(s.hostSet(c, "gallifrey.local."))
	theirs.Ns = []dns.RR{aRec("gallifrey.local.", 120, "10.0.0.1")}
	s.r.handleQuery(theirs, multicastFrom(), s.now)

	// winning changes nothing
	c.Check(ss.probesSent, Equals, 1)
	c.Check(s.nextDeadline(c), Equals, before)
}

func (s *fsmSuite) TestDenialWhileProbingRenames(c *C) {
	var oldName, newName string
	set := s.hostSet(c, "gallifrey.local.")
	set.OnRename = func(old, new string) {
		oldName, newName = old, new
	}
	ss := s.register(c, set)
	s.step(c)

	// an established responder owns the name with different rdata
	s.r.handleResponse(mdnsResponse(aRec("gallifrey.local.", 120, "192.0.2.99")), s.now)
	c.Check(ss.state, Equals, stateConflictPending)
	c.Check(ss.renames, Equals, 1)

	s.step(c)
	c.Check(ss.set.name, Equals, "gallifrey-2.local.")
	c.Check(ss.state, Equals, stateProbing)
	c.Check(oldName, Equals, "gallifrey.local.")
	c.Check(newName, Equals, "gallifrey-2.local.")
	c.Check(s.log.String(), testutil.Contains, `cannot claim "gallifrey.local.", trying "gallifrey-2.local." instead`)

	// probing resumes under the new name
	s.conn.sent = nil
	s.step(c)
	c.Assert(s.conn.sent, HasLen, 1)
	c.Check(s.conn.sent[0].msg.Question[0].Name, Equals, "gallifrey-2.local.")
}

func (s *fsmSuite) TestRenameBudgetExhausted(c *C) {
	r, err := newResponder(s.conn, Config{MaxRenames: 2})
	c.Assert(err, IsNil)
	s.r = r

	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	waiter := make(chan establishResult, 1)
	ss.waiters = append(ss.waiters, waiter)

	for i := 0; i < 2; i++ {
		s.r.handleResponse(mdnsResponse(aRec(ss.set.name, 120, "192.0.2.99")), s.now)
		s.step(c) // applyRename
	}
	c.Check(ss.set.name, Equals, "gallifrey-3.local.")
	c.Check(ss.renames, Equals, 2)

	// the next conflict exhausts the budget
	s.r.handleResponse(mdnsResponse(aRec(ss.set.name, 120, "192.0.2.99")), s.now)
	select {
	case res := <-waiter:
		c.Assert(res.err, NotNil)
		c.Check(res.err, ErrorMatches, `cannot claim unique name "gallifrey-3.local.": still conflicting after 2 renames`)
		conflictErr, ok := res.err.(*ConflictError)
		c.Assert(ok, Equals, true)
		c.Check(conflictErr.Name, Equals, "gallifrey-3.local.")
		c.Check(conflictErr.Renames, Equals, 2)
	default:
		c.Fatal("conflict failure was not signalled")
	}
	c.Check(s.r.store.empty(), Equals, true)
}

func (s *fsmSuite) TestRapidConflictDamping(c *C) {
	r, err := newResponder(s.conn, Config{MaxRenames: 100})
	c.Assert(err, IsNil)
	s.r = r

	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	for i := 0; i < conflictDampingThreshold-1; i++ {
		s.r.handleResponse(mdnsResponse(aRec(ss.set.name, 120, "192.0.2.99")), s.now)
		c.Check(s.nextDeadline(c), Equals, s.now, Commentf("conflict %d", i))
		s.step(c) // applyRename
	}

	// the next conflict within the window triggers the damping delay
	s.r.handleResponse(mdnsResponse(aRec(ss.set.name, 120, "192.0.2.99")), s.now)
	c.Check(s.nextDeadline(c), Equals, s.now.Add(conflictDampingDelay))
}

func (s *fsmSuite) TestDenialWhileAnnouncingReprobes(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	s.step(c)

	// a denial in the window between verification and the first
	// announcement forces re-verification, not a rename
	s.r.startAnnouncing(ss, s.now)
	c.Check(ss.state, Equals, stateAnnouncing)

	s.r.handleResponse(mdnsResponse(aRec("gallifrey.local.", 120, "192.0.2.99")), s.now)
	c.Check(ss.state, Equals, stateProbing)
	c.Check(ss.renames, Equals, 0)
}

func (s *fsmSuite) TestActiveDefendsThenReprobes(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	s.establish(c, ss)

	// the first conflict is answered by re-announcing our records
	s.r.handleResponse(mdnsResponse(aRec("gallifrey.local.", 120, "192.0.2.99")), s.now)
	c.Check(ss.state, Equals, stateActive)
	c.Assert(s.conn.sent, HasLen, 1)
	c.Check(s.conn.sent[0].msg.Response, Equals, true)
	c.Check(dnsutil.CacheFlushRequested(s.conn.sent[0].msg.Answer[0]), Equals, true)

	// a second conflict within a second means defending is not working
	s.r.handleResponse(mdnsResponse(aRec("gallifrey.local.", 120, "192.0.2.99")), s.now)
	c.Check(ss.state, Equals, stateProbing)
	c.Check(s.log.String(), testutil.Contains, `record set "gallifrey.local." is contested, probing again`)
}

func (s *fsmSuite) TestDeregisterSendsGoodbyes(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	s.establish(c, ss)

	s.r.deregisterSet(ss, s.now)
	c.Check(ss.state, Equals, stateWithdrawn)
	c.Assert(s.conn.sent, HasLen, 1)
	msg := s.conn.sent[0].msg
	c.Check(msg.Response, Equals, true)
	c.Assert(msg.Answer, HasLen, 1)
	c.Check(msg.Answer[0].Header().Ttl, Equals, uint32(0))
	c.Check(dnsutil.CacheFlushRequested(msg.Answer[0]), Equals, false)

	// the second goodbye follows at the goodbye interval, then the
	// handle is gone
	c.Check(s.nextDeadline(c), Equals, s.now.Add(250*time.Millisecond))
	s.step(c)
	c.Assert(s.conn.sent, HasLen, 2)
	c.Check(s.r.store.empty(), Equals, true)
}

func (s *fsmSuite) TestDeregisterBeforeAnnouncingIsSilent(c *C) {
	ss := s.register(c, s.hostSet(c, "gallifrey.local."))
	s.step(c)
	s.conn.sent = nil

	waiter := make(chan establishResult, 1)
	ss.waiters = append(ss.waiters, waiter)

	s.r.deregisterSet(ss, s.now)
	c.Check(s.conn.sent, HasLen, 0)
	c.Check(s.r.store.empty(), Equals, true)
	select {
	case res := <-waiter:
		c.Check(res.err, Equals, ErrWithdrawn)
	default:
		c.Fatal("withdrawal was not signalled")
	}
}

func multicastFrom() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: dnsutil.Port}
}

func mdnsResponse(rrs ...dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = append(msg.Answer, rrs...)
	return msg
}
