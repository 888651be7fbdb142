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
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/randutil"
)

func (r *Responder) handlePacket(pkt Packet, now time.Time) {
	msg, err := dnsutil.Decode(pkt.Data)
	if err != nil {
		logger.Debugf("dropping packet from %v: %v", pkt.From, err)
		return
	}
	if msg.Response {
		r.handleResponse(msg, now)
	} else {
		r.handleQuery(msg, pkt.From, now)
	}
}

// handleResponse folds a response into the cache and watches for
// records contradicting our own unique ones. Records whose key we own
// uniquely never enter the cache; equal ones are our own traffic
// reflected back, unequal ones are conflicts for the lifecycle code.
func (r *Responder) handleResponse(msg *dns.Msg, now time.Time) {
	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Extra...)
	for _, rr := range records {
		if _, ok := rr.(*dns.OPT); ok {
			// EDNS pseudo-record, its class field is a buffer size
			continue
		}
		if dnsutil.RecordClass(rr) != dns.ClassINET {
			continue
		}
		if conflicts := r.store.uniqueConflicts(rr); len(conflicts) > 0 {
			for _, ss := range conflicts {
				r.handleDenial(ss, rr, now)
			}
			continue
		}
		if r.store.ownsUniqueKey(dnsutil.KeyOf(rr)) {
			continue
		}
		for _, ch := range r.cache.insert(rr, dnsutil.CacheFlushRequested(rr), now) {
			r.notifyQueries(ch)
		}
	}
	r.rescheduleCacheWork(now)
}

// handleQuery answers an inbound query from our answerable records,
// honoring known-answer suppression, and routes probe queries into
// tie-breaking for names we are probing ourselves.
func (r *Responder) handleQuery(msg *dns.Msg, from *net.UDPAddr, now time.Time) {
	// a query carrying authority records is somebody's probe
	if len(msg.Ns) > 0 {
		for _, q := range msg.Question {
			for _, ss := range r.store.probingFor(q.Name) {
				var theirs []dns.RR
				for _, rr := range msg.Ns {
					if dnsutil.SameName(rr.Header().Name, q.Name) {
						theirs = append(theirs, rr)
					}
				}
				if len(theirs) > 0 {
					r.handleProbeConflict(ss, theirs, now)
				}
			}
		}
	}
	if msg.Truncated {
		// known-answer lists split across packets are not reassembled
		logger.Debugf("dropping truncated query from %v", from)
		return
	}

	var plan responsePlan
	multicastWanted := false
	for _, q := range msg.Question {
		if qclass := dnsutil.QuestionClass(q); qclass != dns.ClassINET && qclass != dns.ClassANY {
			continue
		}
		found := r.store.answerable(q.Name, q.Qtype)
		if len(found) == 0 {
			continue
		}
		if !dnsutil.QuestionWantsUnicast(q) {
			multicastWanted = true
		}
		for _, a := range found {
			plan.answers = addAnswer(plan.answers, a)
		}
	}
	if len(plan.answers) == 0 {
		return
	}
	r.addAdditionals(&plan)

	plan.answers = filterKnown(plan.answers, msg.Answer)
	if len(plan.answers) == 0 {
		return
	}
	plan.extra = filterKnown(plan.extra, msg.Answer)

	switch {
	case from != nil && from.Port != dnsutil.Port:
		// a one-shot resolver gets conventional unicast DNS back
		// (RFC 6762 section 6.7)
		r.sendMsg(legacyResponseMsg(msg, plan), from)
	case !multicastWanted:
		r.sendPlan(plan, from)
	case plan.allUnique():
		// sole owner, nobody else can be answering; no delay needed
		r.sendPlan(plan, nil)
	default:
		r.enqueueResponse(plan, now)
	}
}

// responsePlan is a response being assembled: direct answers and the
// additional records that ride along (RFC 6763 section 12).
type responsePlan struct {
	answers []answer
	extra   []answer
}

func (p *responsePlan) allUnique() bool {
	for _, a := range p.answers {
		if !a.unique {
			return false
		}
	}
	for _, a := range p.extra {
		if !a.unique {
			return false
		}
	}
	return true
}

func (p *responsePlan) has(rr dns.RR) bool {
	for _, a := range p.answers {
		if dnsutil.EqualRecord(a.rr, rr) {
			return true
		}
	}
	for _, a := range p.extra {
		if dnsutil.EqualRecord(a.rr, rr) {
			return true
		}
	}
	return false
}

func addAnswer(list []answer, a answer) []answer {
	for _, have := range list {
		if dnsutil.EqualRecord(have.rr, a.rr) {
			return list
		}
	}
	return append(list, a)
}

// addAdditionals pulls in the records a querier will want next: SRV and
// TXT for answered PTRs, and addresses for any SRV target.
func (r *Responder) addAdditionals(plan *responsePlan) {
	for _, a := range plan.answers {
		ptr, ok := a.rr.(*dns.PTR)
		if !ok {
			continue
		}
		for _, qtype := range []uint16{dns.TypeSRV, dns.TypeTXT} {
			for _, add := range r.store.answerable(ptr.Ptr, qtype) {
				if !plan.has(add.rr) {
					plan.extra = append(plan.extra, add)
				}
			}
		}
	}
	var targets []string
	for _, a := range plan.answers {
		if s, ok := a.rr.(*dns.SRV); ok {
			targets = append(targets, s.Target)
		}
	}
	for _, a := range plan.extra {
		if s, ok := a.rr.(*dns.SRV); ok {
			targets = append(targets, s.Target)
		}
	}
	for _, target := range targets {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			for _, add := range r.store.answerable(target, qtype) {
				if !plan.has(add.rr) {
					plan.extra = append(plan.extra, add)
				}
			}
		}
	}
}

// filterKnown applies known-answer suppression: a candidate is dropped
// when the querier already holds an equal record with at least half the
// candidate's TTL left (RFC 6762 section 7.1).
func filterKnown(list []answer, known []dns.RR) []answer {
	out := list[:0]
	for _, a := range list {
		if !suppressedByKnown(a.rr, known) {
			out = append(out, a)
		}
	}
	return out
}

func suppressedByKnown(rr dns.RR, known []dns.RR) bool {
	for _, k := range known {
		if dnsutil.EqualRecord(rr, k) && k.Header().Ttl >= rr.Header().Ttl/2 {
			return true
		}
	}
	return false
}

// pendingResponse is a delayed multicast response; queries arriving
// while it waits merge their answers into it.
type pendingResponse struct {
	plan responsePlan
	task taskID
}

// enqueueResponse delays a multicast response carrying shared records
// by a random 20-120ms so that several hosts answering the same
// question spread out (RFC 6762 section 6), aggregating with any
// response already pending.
func (r *Responder) enqueueResponse(plan responsePlan, now time.Time) {
	if r.pending != nil {
		for _, a := range plan.answers {
			r.pending.plan.answers = addAnswer(r.pending.plan.answers, a)
		}
		for _, a := range plan.extra {
			r.pending.plan.extra = addAnswer(r.pending.plan.extra, a)
		}
		return
	}
	r.pending = &pendingResponse{plan: plan}
	delay := randutil.RandomDurationBetween(r.cfg.ResponseDelayMin, r.cfg.ResponseDelayMax)
	r.pending.task = r.sched.at(now.Add(delay), func(now time.Time) {
		p := r.pending
		r.pending = nil
		if p != nil {
			r.sendPlan(p.plan, nil)
		}
	})
}

// sendPlan transmits a response, splitting it at record boundaries when
// it cannot fit one packet. Additional records are optional and go with
// the last chunk as far as they fit.
func (r *Responder) sendPlan(plan responsePlan, dst *net.UDPAddr) {
	msg := responseMsg()
	for _, a := range plan.answers {
		msg.Answer = append(msg.Answer, responseRecord(a))
	}
	for _, a := range plan.extra {
		msg.Extra = append(msg.Extra, responseRecord(a))
	}
	if msg.Len() <= dnsutil.MaxPacketSize {
		r.sendMsg(msg, dst)
		return
	}

	msg = responseMsg()
	for _, a := range plan.answers {
		rr := responseRecord(a)
		msg.Answer = append(msg.Answer, rr)
		if msg.Len() > dnsutil.MaxPacketSize && len(msg.Answer) > 1 {
			msg.Answer = msg.Answer[:len(msg.Answer)-1]
			r.sendMsg(msg, dst)
			msg = responseMsg()
			msg.Answer = append(msg.Answer, rr)
		}
	}
	for _, a := range plan.extra {
		rr := responseRecord(a)
		msg.Extra = append(msg.Extra, rr)
		if msg.Len() > dnsutil.MaxPacketSize {
			msg.Extra = msg.Extra[:len(msg.Extra)-1]
			break
		}
	}
	if len(msg.Answer)+len(msg.Extra) > 0 {
		r.sendMsg(msg, dst)
	}
}

// responseMsg builds the shell of an mDNS response: zero ID, no
// questions, authoritative (RFC 6762 section 18).
func responseMsg() *dns.Msg {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Compress = true
	return msg
}

// responseRecord prepares a record for an mDNS response, setting the
// cache-flush bit on members of unique sets.
func responseRecord(a answer) dns.RR {
	rr := dns.Copy(a.rr)
	if a.unique {
		dnsutil.SetCacheFlush(rr)
	}
	return rr
}

// legacyResponseMsg builds a conventional unicast DNS response for a
// one-shot resolver: the query ID and question are echoed, TTLs are
// capped, no mDNS class bits are used, and the message honors the
// classic 512 byte limit (RFC 6762 section 6.7).
func legacyResponseMsg(query *dns.Msg, plan responsePlan) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = query.Id
	msg.Response = true
	msg.Authoritative = true
	msg.Compress = true
	msg.Question = append([]dns.Question(nil), query.Question...)
	for _, a := range plan.answers {
		msg.Answer = append(msg.Answer, legacyRecord(a))
	}
	for _, a := range plan.extra {
		msg.Extra = append(msg.Extra, legacyRecord(a))
	}
	msg.Truncate(dns.MinMsgSize)
	return msg
}

func legacyRecord(a answer) dns.RR {
	return capTTL(dns.Copy(a.rr), legacyMaxTTL)
}
