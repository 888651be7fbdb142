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

package dnssd

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/miekg/dns"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/mdns"
)

// BrowseID identifies one continuous browse operation.
type BrowseID uint64

// Entry is one discovered service instance.
type Entry struct {
	// Instance is the instance name in display form, "Deep Thought".
	Instance string
	// Name is the full service instance name as it appears in the
	// DNS, "Deep\ Thought._http._tcp.local.".
	Name string
	// Type and Domain echo the browsed service type.
	Type   string
	Domain string
	// Host, Port, Priority and Weight come from the instance's SRV
	// record.
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
	// Text is the instance's decoded TXT metadata, nil when none was
	// seen yet.
	Text map[string]string
	// Addrs are the resolved addresses of Host.
	Addrs []net.IP
}

// Event reports a service instance appearing, changing, or going
// away. A previously reported instance whose records change is
// reported as added again with the new entry.
type Event struct {
	Op    mdns.EventOp
	Entry Entry
}

// browse follows the pointer records of one service type. The
// responder's standing query callbacks run on the protocol event loop
// and must not block, so they only queue cache events here; a worker
// goroutine assembles entries from the queue and issues the follow-up
// queries for SRV, TXT and address records.
type browse struct {
	r        *Responder
	id       BrowseID
	svcType  string
	domain   string
	typeName string
	notify   func(Event)

	tomb tomb.Tomb

	mu    sync.Mutex
	queue []mdns.Event
	kick  chan struct{}

	// worker state, only touched from run
	ptrQuery  mdns.QueryID
	instances map[string]*foundInstance
}

// foundInstance is the browse-side assembly of one instance.
type foundInstance struct {
	name        string
	srv         *dns.SRV
	txt         *dns.TXT
	addrs       map[string]net.IP
	queries     []mdns.QueryID
	addrTarget  string
	addrQueries []mdns.QueryID
	announced   bool
}

// Browse starts following a service type, such as "_http._tcp".
// Discovered and withdrawn instances are reported through notify,
// which runs on the browse worker goroutine and must not call back
// into the Responder.
func (r *Responder) Browse(serviceType, domain string, notify func(Event)) (BrowseID, error) {
	if err := ValidateType(serviceType); err != nil {
		return 0, err
	}
	if notify == nil {
		return 0, fmt.Errorf("cannot browse without a notify callback")
	}
	if domain == "" {
		domain = "local"
	}
	b := &browse{
		r:         r,
		svcType:   serviceType,
		domain:    domain,
		typeName:  TypeName(serviceType, domain),
		notify:    notify,
		kick:      make(chan struct{}, 1),
		instances: make(map[string]*foundInstance),
	}
	qid, err := r.m.Query(b.typeName, dns.TypePTR, b.forward)
	if err != nil {
		return 0, err
	}
	b.ptrQuery = qid
	b.tomb.Go(b.run)

	// the browse becomes stoppable only once it is in the map, so it
	// goes in with its worker already running
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		b.stop()
		return 0, mdns.ErrClosed
	}
	r.lastBrowse++
	b.id = r.lastBrowse
	r.browses[b.id] = b
	r.mu.Unlock()
	logger.Debugf("browsing %q", b.typeName)
	return b.id, nil
}

// StopBrowse ends a browse operation and its follow-up queries.
func (r *Responder) StopBrowse(id BrowseID) error {
	r.mu.Lock()
	b := r.browses[id]
	if b != nil {
		delete(r.browses, id)
	}
	r.mu.Unlock()
	if b == nil {
		return ErrUnknownBrowse
	}
	b.stop()
	return nil
}

// Lookup resolves one instance of a service type, waiting until it is
// discovered or the context expires.
func (r *Responder) Lookup(ctx context.Context, instance, serviceType, domain string) (Entry, error) {
	if err := validateInstance(instance); err != nil {
		return Entry{}, err
	}
	if domain == "" {
		domain = "local"
	}
	want := ServiceInstanceName(instance, serviceType, domain)
	found := make(chan Entry, 1)
	id, err := r.Browse(serviceType, domain, func(ev Event) {
		if ev.Op != mdns.EventAdded || !dnsutil.SameName(ev.Entry.Name, want) {
			return
		}
		select {
		case found <- ev.Entry:
		default:
		}
	})
	if err != nil {
		return Entry{}, err
	}
	defer r.StopBrowse(id)
	select {
	case e := <-found:
		return e, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// forward queues a cache event for the worker. It runs on the
// protocol event loop, so it must not block: the queue is unbounded
// and the kick channel only nudges the worker.
func (b *browse) forward(e mdns.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *browse) drain() []mdns.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

func (b *browse) stop() {
	b.tomb.Kill(nil)
	b.tomb.Wait()
}

func (b *browse) run() error {
	for {
		select {
		case <-b.tomb.Dying():
			b.shutdown()
			return tomb.ErrDying
		case <-b.kick:
			for _, e := range b.drain() {
				b.handleEvent(e)
			}
		}
	}
}

func (b *browse) shutdown() {
	b.r.m.StopQuery(b.ptrQuery)
	for _, fi := range b.instances {
		b.stopInstanceQueries(fi)
	}
}

func (b *browse) stopInstanceQueries(fi *foundInstance) {
	for _, q := range fi.queries {
		b.r.m.StopQuery(q)
	}
	for _, q := range fi.addrQueries {
		b.r.m.StopQuery(q)
	}
	fi.queries = nil
	fi.addrQueries = nil
}

func (b *browse) handleEvent(e mdns.Event) {
	switch rr := e.Record.(type) {
	case *dns.PTR:
		if !dnsutil.SameName(rr.Hdr.Name, b.typeName) {
			return
		}
		if e.Op == mdns.EventAdded {
			b.addInstance(rr.Ptr)
		} else {
			b.removeInstance(rr.Ptr)
		}
	case *dns.SRV:
		fi := b.instances[dns.CanonicalName(rr.Hdr.Name)]
		if fi == nil {
			return
		}
		if e.Op == mdns.EventRemoved {
			fi.srv = nil
			b.retract(fi)
			return
		}
		fi.srv = rr
		b.watchAddrs(fi, rr.Target)
		b.maybeNotify(fi)
	case *dns.TXT:
		fi := b.instances[dns.CanonicalName(rr.Hdr.Name)]
		if fi == nil {
			return
		}
		if e.Op == mdns.EventRemoved {
			fi.txt = nil
		} else {
			fi.txt = rr
		}
		b.maybeNotify(fi)
	case *dns.A:
		b.addrEvent(e.Op, rr.Hdr.Name, rr.A)
	case *dns.AAAA:
		b.addrEvent(e.Op, rr.Hdr.Name, rr.AAAA)
	}
}

// addInstance starts assembling a newly discovered instance, following
// its pointer with standing queries for the SRV and TXT records.
func (b *browse) addInstance(name string) {
	key := dns.CanonicalName(name)
	if b.instances[key] != nil {
		return
	}
	fi := &foundInstance{name: dns.Fqdn(name), addrs: make(map[string]net.IP)}
	b.instances[key] = fi
	for _, qtype := range []uint16{dns.TypeSRV, dns.TypeTXT} {
		qid, err := b.r.m.Query(fi.name, qtype, b.forward)
		if err != nil {
			logger.Debugf("cannot follow up on %q: %v", fi.name, err)
			continue
		}
		fi.queries = append(fi.queries, qid)
	}
}

func (b *browse) removeInstance(name string) {
	key := dns.CanonicalName(name)
	fi := b.instances[key]
	if fi == nil {
		return
	}
	delete(b.instances, key)
	b.stopInstanceQueries(fi)
	b.retract(fi)
}

// watchAddrs points the instance's address queries at the SRV target,
// restarting them when the target moved.
func (b *browse) watchAddrs(fi *foundInstance, target string) {
	if fi.addrTarget != "" && dnsutil.SameName(fi.addrTarget, target) {
		return
	}
	for _, q := range fi.addrQueries {
		b.r.m.StopQuery(q)
	}
	fi.addrQueries = nil
	fi.addrs = make(map[string]net.IP)
	fi.addrTarget = target
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		qid, err := b.r.m.Query(target, qtype, b.forward)
		if err != nil {
			logger.Debugf("cannot resolve %q: %v", target, err)
			continue
		}
		fi.addrQueries = append(fi.addrQueries, qid)
	}
}

func (b *browse) addrEvent(op mdns.EventOp, host string, ip net.IP) {
	for _, fi := range b.instances {
		if fi.srv == nil || !dnsutil.SameName(fi.srv.Target, host) {
			continue
		}
		if op == mdns.EventAdded {
			fi.addrs[ip.String()] = ip
			b.maybeNotify(fi)
		} else {
			delete(fi.addrs, ip.String())
			if len(fi.addrs) == 0 {
				b.retract(fi)
			} else {
				b.maybeNotify(fi)
			}
		}
	}
}

// maybeNotify reports an instance once its SRV record and at least one
// address are known; later record changes report it again.
func (b *browse) maybeNotify(fi *foundInstance) {
	if fi.srv == nil || len(fi.addrs) == 0 {
		return
	}
	fi.announced = true
	b.notify(Event{Op: mdns.EventAdded, Entry: b.entry(fi)})
}

func (b *browse) retract(fi *foundInstance) {
	if !fi.announced {
		return
	}
	fi.announced = false
	b.notify(Event{Op: mdns.EventRemoved, Entry: b.entry(fi)})
}

func (b *browse) entry(fi *foundInstance) Entry {
	label, _ := splitInstanceName(fi.name)
	e := Entry{
		Instance: unescapeLabel(label),
		Name:     fi.name,
		Type:     b.svcType,
		Domain:   b.domain,
	}
	if fi.srv != nil {
		e.Host = fi.srv.Target
		e.Port = fi.srv.Port
		e.Priority = fi.srv.Priority
		e.Weight = fi.srv.Weight
	}
	if fi.txt != nil {
		e.Text = parseText(fi.txt.Txt)
	}
	for _, ip := range fi.addrs {
		e.Addrs = append(e.Addrs, ip)
	}
	sort.Slice(e.Addrs, func(i, j int) bool {
		return e.Addrs[i].String() < e.Addrs[j].String()
	})
	return e
}
