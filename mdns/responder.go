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
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/randutil"
)

// Responder is a multicast DNS responder and querier. A single event
// loop goroutine owns all of its state; the exported methods hand their
// work over to that loop and wait for it, so they are safe to call from
// any goroutine.
type Responder struct {
	tomb      tomb.Tomb
	transport Transport
	cfg       Config

	ops chan func()

	// the fields below belong to the event loop goroutine
	store       *store
	cache       *cache
	sched       *scheduler
	queries     map[QueryID]*standingQuery
	lastQueryID QueryID
	pending     *pendingResponse
	cacheTask   taskID
	closing     bool
}

// New returns a running Responder on the given transport. The
// transport is owned by the responder from here on and is closed by
// Close.
func New(transport Transport, cfg Config) (*Responder, error) {
	r, err := newResponder(transport, cfg)
	if err != nil {
		return nil, err
	}
	r.tomb.Go(r.run)
	return r, nil
}

// newResponder builds a responder without starting its event loop.
func newResponder(transport Transport, cfg Config) (*Responder, error) {
	if err := cfg.complete(); err != nil {
		return nil, err
	}
	r := &Responder{
		transport: transport,
		cfg:       cfg,
		ops:       make(chan func()),
		store:     newStore(),
		sched:     newScheduler(),
		queries:   make(map[QueryID]*standingQuery),
	}
	r.cache = newCache(&r.cfg)
	return r, nil
}

func (r *Responder) run() error {
	defer r.sched.timer.Stop()
	for {
		r.sched.rearm(time.Now())
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case <-r.sched.timer.C():
			r.sched.fire(time.Now())
		case pkt, ok := <-r.transport.Packets():
			if !ok {
				return fmt.Errorf("transport closed unexpectedly")
			}
			r.handlePacket(pkt, time.Now())
		case op := <-r.ops:
			op()
		}
	}
}

// do runs f on the event loop goroutine and waits for it.
func (r *Responder) do(f func()) error {
	done := make(chan struct{})
	select {
	case r.ops <- func() {
		f()
		close(done)
	}:
	case <-r.tomb.Dying():
		return ErrClosed
	}
	// the loop runs an op in the same select arm that accepts it, so
	// once the send went through the op cannot be abandoned
	<-done
	return nil
}

// Register adds a record set and starts the probe/announce lifecycle
// for it. The returned ID identifies the set to the other methods and
// stays valid across conflict renames. The responder takes over the
// set: the caller must not touch it after this call.
func (r *Responder) Register(set *RecordSet) (SetID, error) {
	var id SetID
	var rerr error
	err := r.do(func() {
		if r.closing {
			rerr = ErrClosed
			return
		}
		if len(set.unique)+len(set.shared) == 0 {
			rerr = fmt.Errorf("cannot register empty record set %q", set.name)
			return
		}
		ss := r.store.add(set)
		id = ss.id
		logger.Debugf("registering record set %q", set.name)
		r.startProbing(ss, time.Now())
	})
	if err != nil {
		return 0, err
	}
	return id, rerr
}

// WaitEstablished blocks until the set has been verified and announced,
// and returns the name it ended up with, which conflict renames may
// have changed from the registered one. It fails with a *ConflictError
// when the rename budget ran out, with ErrWithdrawn when the set was
// deregistered first, or with the context's error.
func (r *Responder) WaitEstablished(ctx context.Context, id SetID) (name string, err error) {
	ch := make(chan establishResult, 1)
	err = r.do(func() {
		ss := r.store.get(id)
		if ss == nil {
			ch <- establishResult{err: ErrUnknownSet}
			return
		}
		switch ss.state {
		case stateActive:
			ch <- establishResult{name: ss.set.name}
		case stateWithdrawn:
			ch <- establishResult{err: ErrWithdrawn}
		default:
			ss.waiters = append(ss.waiters, ch)
		}
	})
	if err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		return res.name, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.tomb.Dying():
		return "", ErrClosed
	}
}

// Deregister withdraws a record set. A set that was already announced
// sends goodbye responses retracting its records before the ID becomes
// invalid.
func (r *Responder) Deregister(id SetID) error {
	var rerr error
	err := r.do(func() {
		ss := r.store.get(id)
		if ss == nil {
			rerr = ErrUnknownSet
			return
		}
		logger.Debugf("deregistering record set %q", ss.set.name)
		r.deregisterSet(ss, time.Now())
	})
	if err != nil {
		return err
	}
	return rerr
}

// Status reports where a set stands in its lifecycle.
func (r *Responder) Status(id SetID) (Status, error) {
	var st Status
	var rerr error
	err := r.do(func() {
		ss := r.store.get(id)
		if ss == nil {
			rerr = ErrUnknownSet
			return
		}
		st = ss.state.status()
	})
	if err != nil {
		return 0, err
	}
	return st, rerr
}

// standingQuery is a continuous query: it retransmits with a doubling
// interval and reports cache changes for its key through notify.
type standingQuery struct {
	id       QueryID
	name     string
	qtype    uint16
	notify   func(Event)
	interval time.Duration
	task     taskID
}

func (sq *standingQuery) covers(key dnsutil.Key) bool {
	if key.Class != dns.ClassINET {
		return false
	}
	if sq.qtype != dns.TypeANY && sq.qtype != key.Type {
		return false
	}
	return dnsutil.SameName(sq.name, key.Name)
}

// Query starts a standing query for the given name and type, with ANY
// matching every type. Records already cached are reported right away,
// and later cache changes as they happen. The notify function runs on
// the responder's event loop: it must not block and must not call back
// into the Responder directly.
func (r *Responder) Query(name string, qtype uint16, notify func(Event)) (QueryID, error) {
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		return 0, fmt.Errorf("cannot query for %q: not a valid domain name", name)
	}
	if notify == nil {
		return 0, fmt.Errorf("cannot query for %q without a notify function", name)
	}
	var id QueryID
	var rerr error
	err := r.do(func() {
		if r.closing {
			rerr = ErrClosed
			return
		}
		now := time.Now()
		r.lastQueryID++
		sq := &standingQuery{
			id:       r.lastQueryID,
			name:     dns.Fqdn(name),
			qtype:    qtype,
			notify:   notify,
			interval: r.cfg.QueryInterval,
		}
		r.queries[sq.id] = sq
		id = sq.id
		for _, rr := range r.cache.lookup(sq.name, sq.qtype, now) {
			notify(Event{Op: EventAdded, Record: rr})
		}
		// the first transmission gets the same short random delay as
		// responses (RFC 6762 section 5.2)
		delay := randutil.RandomDurationBetween(r.cfg.ResponseDelayMin, r.cfg.ResponseDelayMax)
		sq.task = r.sched.at(now.Add(delay), func(now time.Time) {
			r.queryStep(sq, now)
		})
	})
	if err != nil {
		return 0, err
	}
	return id, rerr
}

// StopQuery ends a standing query. Records it discovered stay cached.
func (r *Responder) StopQuery(id QueryID) error {
	var rerr error
	err := r.do(func() {
		sq, ok := r.queries[id]
		if !ok {
			rerr = ErrUnknownQuery
			return
		}
		r.sched.cancel(sq.task)
		delete(r.queries, id)
	})
	if err != nil {
		return err
	}
	return rerr
}

// queryStep transmits a standing query with its known answers and
// schedules the next transmission, doubling the gap up to QueryMax.
func (r *Responder) queryStep(sq *standingQuery, now time.Time) {
	msg := new(dns.Msg)
	msg.Compress = true
	msg.Question = []dns.Question{{Name: sq.name, Qtype: sq.qtype, Qclass: dns.ClassINET}}
	msg.Answer = r.cache.knownAnswers(sq.name, sq.qtype, now)
	r.sendMsg(msg, nil)
	next := sq.interval
	sq.interval *= 2
	if sq.interval > r.cfg.QueryMax {
		sq.interval = r.cfg.QueryMax
	}
	sq.task = r.sched.at(now.Add(next), func(now time.Time) {
		r.queryStep(sq, now)
	})
}

// Cached returns copies of the cached records matching name and type,
// with TTLs reduced to their remaining lifetime.
func (r *Responder) Cached(name string, qtype uint16) ([]dns.RR, error) {
	var out []dns.RR
	err := r.do(func() {
		out = r.cache.lookup(dns.Fqdn(name), qtype, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Responder) sortedQueries() []*standingQuery {
	out := make([]*standingQuery, 0, len(r.queries))
	for _, sq := range r.queries {
		out = append(out, sq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// notifyQueries reports one cache change to the standing queries whose
// key it matches.
func (r *Responder) notifyQueries(ch cacheChange) {
	key := dnsutil.KeyOf(ch.record)
	op := EventRemoved
	if ch.added {
		op = EventAdded
	}
	for _, sq := range r.sortedQueries() {
		if sq.covers(key) {
			sq.notify(Event{Op: op, Record: dns.Copy(ch.record)})
		}
	}
}

func (r *Responder) coveredByQuery(key dnsutil.Key) bool {
	for _, sq := range r.queries {
		if sq.covers(key) {
			return true
		}
	}
	return false
}

// cacheWork expires due cache entries and refreshes those a standing
// query still cares about.
func (r *Responder) cacheWork(now time.Time) {
	r.cacheTask = 0
	removed, refresh := r.cache.advance(now, r.coveredByQuery)
	for _, rr := range removed {
		r.notifyQueries(cacheChange{record: rr})
	}
	if len(refresh) > 0 {
		msg := new(dns.Msg)
		msg.Compress = true
		msg.Question = refresh
		for _, q := range refresh {
			msg.Answer = append(msg.Answer, r.cache.knownAnswers(q.Name, q.Qtype, now)...)
		}
		r.sendMsg(msg, nil)
	}
	r.rescheduleCacheWork(now)
}

// rescheduleCacheWork points the cache maintenance task at the cache's
// next deadline.
func (r *Responder) rescheduleCacheWork(now time.Time) {
	if r.cacheTask != 0 {
		r.sched.cancel(r.cacheTask)
		r.cacheTask = 0
	}
	next, ok := r.cache.nextDeadline()
	if !ok {
		return
	}
	r.cacheTask = r.sched.at(next, r.cacheWork)
}

// Close deregisters all record sets, waits for their goodbye responses
// to go out, stops the event loop and closes the transport. Pending
// WaitEstablished calls fail with ErrWithdrawn.
func (r *Responder) Close() error {
	if err := r.do(func() {
		r.beginShutdown(time.Now())
	}); err != nil && err != ErrClosed {
		return err
	}
	err := r.tomb.Wait()
	if cerr := r.transport.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Responder) beginShutdown(now time.Time) {
	if r.closing {
		return
	}
	r.closing = true
	for _, sq := range r.sortedQueries() {
		r.sched.cancel(sq.task)
	}
	r.queries = make(map[QueryID]*standingQuery)
	if r.pending != nil {
		r.sched.cancel(r.pending.task)
		r.pending = nil
	}
	if r.cacheTask != 0 {
		r.sched.cancel(r.cacheTask)
		r.cacheTask = 0
	}
	for _, ss := range r.store.sorted() {
		r.deregisterSet(ss, now)
	}
	// backstop in case goodbyes cannot be sent out
	deadline := now.Add(time.Duration(r.cfg.GoodbyeCount)*r.cfg.GoodbyeInterval + time.Second)
	r.sched.at(deadline, func(time.Time) {
		r.tomb.Kill(nil)
	})
	r.maybeFinishClose()
}

// maybeFinishClose stops the event loop once a closing responder has
// fully withdrawn.
func (r *Responder) maybeFinishClose() {
	if r.closing && r.store.empty() {
		r.tomb.Kill(nil)
	}
}

// Dying returns a channel that closes when the responder shuts down,
// cleanly or on transport failure.
func (r *Responder) Dying() <-chan struct{} {
	return r.tomb.Dying()
}

// Err returns the reason the responder died, tomb.ErrStillAlive while
// it has not.
func (r *Responder) Err() error {
	return r.tomb.Err()
}

// transmission failures worth retrying resolve within a couple of
// seconds or not at all
var sendRetryStrategy = retry.LimitCount(4, retry.LimitTime(2*time.Second,
	retry.Exponential{
		Initial: 10 * time.Millisecond,
		Factor:  2,
	},
))

func (r *Responder) sendMsg(msg *dns.Msg, dst *net.UDPAddr) {
	buf, err := dnsutil.Encode(msg)
	if err != nil {
		logger.Noticef("cannot encode outgoing message: %v", err)
		return
	}
	r.sendRaw(buf, dst)
}

func (r *Responder) sendRaw(buf []byte, dst *net.UDPAddr) {
	var err error
	for attempt := retry.Start(sendRetryStrategy, nil); attempt.Next(); {
		err = r.transport.Send(buf, dst)
		if err == nil || !transientSendError(err) {
			break
		}
	}
	if err == nil {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		r.tomb.Kill(fmt.Errorf("cannot send on closed transport: %v", err))
		return
	}
	logger.Noticef("cannot send mDNS message: %v", err)
}

func transientSendError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN)
}
