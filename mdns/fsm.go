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

	"github.com/juju/ratelimit"
	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/randutil"
)

// The probe/announce lifecycle of a record set, per RFC 6762 sections 8
// to 10. All of it runs on the responder's event loop; transitions are
// driven by scheduled tasks and by conflicting records observed in
// inbound traffic.

// startProbing (re)enters the probing state, with the first probe
// delayed by a random fraction of the probe interval so that devices
// powering on together do not collide (RFC 6762 section 8.1). A set
// registered while another probe is pending joins that probe's
// schedule instead, so the host's simultaneous probes ride in shared
// packets. Sets with no unique records have nothing to verify and go
// straight to announcing.
func (r *Responder) startProbing(ss *setState, now time.Time) {
	r.cancelSetTask(ss)
	if len(ss.set.unique) == 0 {
		r.startAnnouncing(ss, now)
		return
	}
	ss.state = stateProbing
	ss.probesSent = 0
	when, ok := r.pendingProbe(ss)
	if !ok {
		when = now.Add(randutil.RandomDuration(r.cfg.ProbeInterval))
	}
	ss.task = r.sched.at(when, func(now time.Time) {
		r.probeStep(ss, now)
	})
}

// pendingProbe reports the earliest probe deadline pending for any
// other set.
func (r *Responder) pendingProbe(except *setState) (time.Time, bool) {
	var best time.Time
	found := false
	for _, other := range r.store.sorted() {
		if other == except || other.state != stateProbing || other.task == 0 {
			continue
		}
		when, ok := r.sched.when(other.task)
		if !ok {
			continue
		}
		if !found || when.Before(best) {
			best = when
			found = true
		}
	}
	return best, found
}

// probeStep sends one probe round. Every probing set due in this pass
// shares the packet (RFC 6762 section 8.1); the batch moves on in
// lockstep, each set keeping its own sent count.
func (r *Responder) probeStep(ss *setState, now time.Time) {
	ss.task = 0
	if ss.state != stateProbing {
		return
	}
	if ss.probesSent >= r.cfg.ProbeCount {
		r.startAnnouncing(ss, now)
		return
	}
	var batch []*setState
	sets := make([]*RecordSet, 0, 1)
	for _, member := range r.store.sorted() {
		if member != ss {
			if member.state != stateProbing || member.task == 0 {
				continue
			}
			if member.probesSent >= r.cfg.ProbeCount {
				continue
			}
			when, ok := r.sched.when(member.task)
			if !ok || when.After(now) {
				continue
			}
		}
		batch = append(batch, member)
		sets = append(sets, member.set)
	}
	r.sendMsg(probeMsg(sets...), nil)
	for _, member := range batch {
		r.cancelSetTask(member)
		member.probesSent++
		member.task = r.sched.at(now.Add(r.cfg.ProbeInterval), func(now time.Time) {
			r.probeStep(member, now)
		})
	}
}

// probeMsg builds the probe query: each set's name is queried with
// qtype ANY and the QU bit, and the proposed unique records ride along
// in the authority section for tie-breaking (RFC 6762 section 8.2).
// Sets probing at the same time contribute to one message.
func probeMsg(sets ...*RecordSet) *dns.Msg {
	msg := new(dns.Msg)
	msg.Compress = true
	for _, set := range sets {
		asked := false
		for _, q := range msg.Question {
			if dnsutil.SameName(q.Name, set.name) {
				asked = true
				break
			}
		}
		if !asked {
			q := dns.Question{Name: set.name, Qtype: dns.TypeANY, Qclass: dns.ClassINET}
			dnsutil.SetQuestionUnicast(&q)
			msg.Question = append(msg.Question, q)
		}
		for _, rr := range set.unique {
			msg.Ns = append(msg.Ns, dns.Copy(rr))
		}
	}
	return msg
}

func (r *Responder) startAnnouncing(ss *setState, now time.Time) {
	r.cancelSetTask(ss)
	ss.state = stateAnnouncing
	ss.announcesSent = 0
	ss.announceGap = r.cfg.AnnounceInterval
	ss.task = r.sched.at(now, func(now time.Time) {
		r.announceStep(ss, now)
	})
}

func (r *Responder) announceStep(ss *setState, now time.Time) {
	ss.task = 0
	if ss.state != stateAnnouncing && ss.state != stateActive {
		return
	}
	r.sendMsg(announceMsg(ss.set), nil)
	ss.announcesSent++
	ss.everAnnounced = true
	if ss.state == stateAnnouncing {
		// answerable as soon as the first announcement is out; the
		// remaining announcements continue from the active state
		ss.state = stateActive
		ss.defense = ratelimit.NewBucket(time.Second, 1)
		ss.resolveWaiters(establishResult{name: ss.set.name})
	}
	if ss.announcesSent < r.cfg.AnnounceCount {
		ss.task = r.sched.at(now.Add(ss.announceGap), func(now time.Time) {
			r.announceStep(ss, now)
		})
		ss.announceGap *= 2
	}
}

// announceMsg builds the unsolicited response announcing all of the
// set's records, with the cache-flush bit on the unique ones.
func announceMsg(set *RecordSet) *dns.Msg {
	msg := responseMsg()
	for _, a := range set.answers() {
		msg.Answer = append(msg.Answer, responseRecord(a))
	}
	return msg
}

// goodbyeMsg builds the response retracting all of the set's records
// with zero TTLs (RFC 6762 section 10.1). The cache-flush bit stays
// clear so flush grace periods do not apply to the retraction.
func goodbyeMsg(set *RecordSet) *dns.Msg {
	msg := responseMsg()
	for _, rr := range set.all() {
		rr = dns.Copy(rr)
		rr.Header().Ttl = 0
		msg.Answer = append(msg.Answer, rr)
	}
	return msg
}

// handleProbeConflict resolves a simultaneous probe race for a name we
// are probing ourselves, using the lexicographic tie-break of RFC 6762
// section 8.2.1. The loser backs off for one second and restarts its
// probe sequence; renaming is not needed.
func (r *Responder) handleProbeConflict(ss *setState, theirs []dns.RR, now time.Time) {
	if ss.state != stateProbing {
		return
	}
	won, err := dnsutil.TieBreak(ss.set.unique, theirs)
	if err != nil {
		logger.Debugf("cannot tie-break probe for %q: %v", ss.set.name, err)
		return
	}
	if won >= 0 {
		// winners and exact ties keep probing undisturbed
		return
	}
	logger.Debugf("lost probe tie-break for %q, deferring", ss.set.name)
	r.cancelSetTask(ss)
	ss.probesSent = 0
	ss.task = r.sched.at(now.Add(probeDeferralDelay), func(now time.Time) {
		r.probeStep(ss, now)
	})
}

// handleDenial reacts to an established remote record contradicting one
// of the set's unique records: while probing this is a lost conflict
// and forces a rename; once active the set defends itself by
// re-announcing, and re-probes if the conflict persists (RFC 6762
// sections 8.1, 9).
func (r *Responder) handleDenial(ss *setState, rr dns.RR, now time.Time) {
	switch ss.state {
	case stateProbing:
		logger.Debugf("record for %q denied by %s", ss.set.name, rr.Header().Name)
		r.conflictRename(ss, now)
	case stateAnnouncing:
		// verified but not yet announced; re-verify
		ss.conflicts = append(ss.conflicts, now)
		r.startProbing(ss, now)
	case stateActive:
		if ss.defense.TakeAvailable(1) == 1 {
			logger.Debugf("defending %q against conflicting record", ss.set.name)
			r.sendMsg(announceMsg(ss.set), nil)
			return
		}
		// already defended within the last second and still contested
		logger.Noticef("record set %q is contested, probing again", ss.set.name)
		ss.conflicts = append(ss.conflicts, now)
		r.startProbing(ss, now)
	}
}

// conflictRename moves a probing set to its next candidate name, or
// fails the registration once the rename budget is spent. Rapid
// successive conflicts push the restart out by the damping delay
// (RFC 6762 section 8.1).
func (r *Responder) conflictRename(ss *setState, now time.Time) {
	r.cancelSetTask(ss)
	ss.conflicts = append(ss.conflicts, now)
	if ss.renames >= r.cfg.MaxRenames {
		logger.Noticef("cannot claim %q: giving up after %d renames", ss.set.name, ss.renames)
		ss.resolveWaiters(establishResult{err: &ConflictError{Name: ss.set.name, Renames: ss.renames}})
		r.withdraw(ss, now)
		return
	}
	ss.renames++
	ss.state = stateConflictPending
	var delay time.Duration
	if ss.recentConflicts(now) >= conflictDampingThreshold {
		delay = conflictDampingDelay
	}
	ss.task = r.sched.at(now.Add(delay), func(now time.Time) {
		r.applyRename(ss, now)
	})
}

func (r *Responder) applyRename(ss *setState, now time.Time) {
	ss.task = 0
	if ss.state != stateConflictPending {
		return
	}
	rename := ss.set.Rename
	if rename == nil {
		rename = r.cfg.Rename
	}
	old := ss.set.name
	next := dns.Fqdn(rename(old, ss.renames))
	logger.Noticef("cannot claim %q, trying %q instead", old, next)
	ss.set.rename(next)
	if ss.set.OnRename != nil {
		ss.set.OnRename(old, ss.set.name)
	}
	r.startProbing(ss, now)
}

// deregisterSet begins the withdrawal of a set: pending work stops, and
// a set that ever announced retracts its records with goodbye responses
// before the handle is released.
func (r *Responder) deregisterSet(ss *setState, now time.Time) {
	if ss.state == stateWithdrawn {
		return
	}
	r.cancelSetTask(ss)
	ss.resolveWaiters(establishResult{err: ErrWithdrawn})
	if !ss.everAnnounced || r.cfg.GoodbyeCount == 0 {
		r.releaseSet(ss)
		return
	}
	ss.state = stateWithdrawn
	ss.goodbyesSent = 0
	r.goodbyeStep(ss, now)
}

func (r *Responder) goodbyeStep(ss *setState, now time.Time) {
	ss.task = 0
	r.sendMsg(goodbyeMsg(ss.set), nil)
	ss.goodbyesSent++
	if ss.goodbyesSent < r.cfg.GoodbyeCount {
		ss.task = r.sched.at(now.Add(r.cfg.GoodbyeInterval), func(now time.Time) {
			r.goodbyeStep(ss, now)
		})
		return
	}
	r.releaseSet(ss)
}

// withdraw releases a set that never got established, without goodbyes
// unless it already announced.
func (r *Responder) withdraw(ss *setState, now time.Time) {
	if ss.everAnnounced {
		ss.state = stateWithdrawn
		ss.goodbyesSent = 0
		r.goodbyeStep(ss, now)
		return
	}
	r.releaseSet(ss)
}

func (r *Responder) releaseSet(ss *setState) {
	r.cancelSetTask(ss)
	ss.state = stateWithdrawn
	r.store.remove(ss.id)
	r.maybeFinishClose()
}

func (r *Responder) cancelSetTask(ss *setState) {
	if ss.task != 0 {
		r.sched.cancel(ss.task)
		ss.task = 0
	}
}
