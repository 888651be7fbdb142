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
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/mdns"
)

var (
	// ErrUnknownService is returned for a Handle that is not advertised.
	ErrUnknownService = errors.New("unknown service handle")
	// ErrUnknownBrowse is returned for a BrowseID that is not running.
	ErrUnknownBrowse = errors.New("unknown browse operation")
)

// Handle identifies one advertised service.
type Handle uint64

// Responder advertises services and browses for them. It drives an
// mdns.Responder, which it takes ownership of: Close tears both down.
//
// A service is advertised as up to four record sets: the host's
// address records, the instance's SRV and TXT records, the browsing
// pointer of its type, and the service type enumeration pointer. Sets
// whose owner name other hosts contest are renamed by the protocol
// engine; the repair of dependent sets (an SRV whose target host was
// renamed, a pointer whose instance was renamed) happens here.
type Responder struct {
	m *mdns.Responder

	mu         sync.Mutex
	closed     bool
	lastID     Handle
	services   map[Handle]*serviceState
	hosts      map[string]*hostState
	enums      map[string]*enumState
	browses    map[BrowseID]*browse
	lastBrowse BrowseID

	// repairs tracks the goroutines rebuilding record sets after
	// conflict renames, so Close can wait them out.
	repairs sync.WaitGroup
}

type serviceState struct {
	svc      Service
	hostKey  string
	enumKey  string
	instName string
	instID   mdns.SetID
	ptrID    mdns.SetID

	// renameSeq counts instance renames as the event loop reports
	// them; appliedSeq is the last one applied here. Repairs run on
	// their own goroutines, so the pair keeps a late repair from
	// regressing the name.
	renameSeq  uint64
	appliedSeq uint64
}

// hostState is the shared advertisement of one host name; services
// pointing at the same host reference a single address record set.
type hostState struct {
	addrs []net.IP
	name  string
	id    mdns.SetID
	refs  int

	// ready is closed once the address records are established (or
	// failed, with err set), releasing concurrent Add calls that share
	// the host.
	ready chan struct{}
	err   error

	renameSeq  uint64
	appliedSeq uint64
}

// enumState is the shared service type enumeration pointer of one
// type, reference counted across the instances advertising it.
type enumState struct {
	id   mdns.SetID
	refs int
}

// New returns a Responder driving m.
func New(m *mdns.Responder) *Responder {
	return &Responder{
		m:        m,
		services: make(map[Handle]*serviceState),
		hosts:    make(map[string]*hostState),
		enums:    make(map[string]*enumState),
		browses:  make(map[BrowseID]*browse),
	}
}

// Add advertises a service. It registers the host's address records
// and the instance's SRV and TXT records together, so their probes
// ride in shared packets, then waits for both sets to be established
// before registering the browsing pointers, and returns once the
// service is answerable. Conflicts with other hosts can leave the
// service advertised under an amended instance or host name;
// Advertised reports the name in force.
func (r *Responder) Add(ctx context.Context, svc Service) (Handle, error) {
	svc, err := completeService(svc)
	if err != nil {
		return 0, err
	}
	hostKey, hs, err := r.acquireHost(svc)
	if err != nil {
		return 0, err
	}
	h, err := r.addInstance(ctx, svc, hostKey, hs)
	if err != nil {
		r.releaseHost(hostKey)
		return 0, err
	}
	return h, nil
}

func (r *Responder) addInstance(ctx context.Context, svc Service, hostKey string, hs *hostState) (Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, mdns.ErrClosed
	}
	hostName := hs.name
	r.lastID++
	h := r.lastID
	st := &serviceState{
		svc:      svc,
		hostKey:  hostKey,
		instName: svc.InstanceName(),
	}
	st.svc.Host = hostName
	r.services[h] = st
	r.mu.Unlock()

	set, err := instanceRecordSet(st.svc, st.instName, hostName)
	if err != nil {
		r.dropService(h)
		return 0, err
	}
	r.hookInstanceSet(set, h, st)
	instID, err := r.m.Register(set)
	if err != nil {
		r.dropService(h)
		return 0, err
	}
	r.mu.Lock()
	st.instID = instID
	if st.svc.Host != hostName {
		// the host was renamed by a conflict before the instance set
		// was registered; point the SRV at the name in force
		if rerr := r.rebuildInstance(h, st, st.svc.Host); rerr != nil {
			logger.Noticef("cannot update %q after host rename: %v", st.instName, rerr)
		}
	}
	instID = st.instID
	r.mu.Unlock()

	if err := r.waitHost(ctx, hs); err != nil {
		r.dropInstance(h, st)
		return 0, err
	}
	for {
		_, err := r.m.WaitEstablished(ctx, instID)
		if err == nil {
			break
		}
		r.mu.Lock()
		cur := st.instID
		r.mu.Unlock()
		if err == mdns.ErrWithdrawn && cur != instID {
			// a host rename replaced the instance set mid-wait
			instID = cur
			continue
		}
		r.dropInstance(h, st)
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, mdns.ErrClosed
	}
	if err := r.registerPointers(st); err != nil {
		delete(r.services, h)
		r.m.Deregister(st.instID)
		return 0, err
	}
	logger.Debugf("advertising %q on %q port %d", st.instName, st.svc.Host, st.svc.Port)
	return h, nil
}

// hookInstanceSet wires the conflict rename handling of an instance
// record set: the "Name (2)" renaming convention, and the repair of
// the browsing pointer once a rename happened. The repair must leave
// the event loop's OnRename callback immediately, so it runs on its
// own goroutine, ordered by sequence number.
func (r *Responder) hookInstanceSet(set *mdns.RecordSet, h Handle, st *serviceState) {
	set.Rename = renameInstance
	set.OnRename = func(old, new string) {
		seq := atomic.AddUint64(&st.renameSeq, 1)
		r.repairs.Add(1)
		go func() {
			defer r.repairs.Done()
			r.instanceRenamed(h, new, seq)
		}()
	}
}

func (r *Responder) instanceRenamed(h Handle, name string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	st := r.services[h]
	if st == nil || seq <= st.appliedSeq {
		return
	}
	st.appliedSeq = seq
	st.instName = name
	label, _ := splitInstanceName(name)
	st.svc.Instance = unescapeLabel(label)
	if st.ptrID == 0 {
		return
	}
	if err := r.rebuildPointer(st); err != nil {
		logger.Noticef("cannot update browsing pointer for %q: %v", name, err)
	}
}

// registerPointers registers the browsing pointer and the type
// enumeration pointer of a service. Called with the lock held.
func (r *Responder) registerPointers(st *serviceState) error {
	ptrSet, err := pointerRecordSet(st.svc, st.instName)
	if err != nil {
		return err
	}
	ptrID, err := r.m.Register(ptrSet)
	if err != nil {
		return err
	}
	enumKey, err := r.acquireEnumLocked(st.svc)
	if err != nil {
		r.m.Deregister(ptrID)
		return err
	}
	st.ptrID = ptrID
	st.enumKey = enumKey
	return nil
}

// rebuildPointer replaces the browsing pointer after an instance
// rename; the old pointer goes away with a goodbye. Called with the
// lock held.
func (r *Responder) rebuildPointer(st *serviceState) error {
	r.m.Deregister(st.ptrID)
	st.ptrID = 0
	set, err := pointerRecordSet(st.svc, st.instName)
	if err != nil {
		return err
	}
	id, err := r.m.Register(set)
	if err != nil {
		return err
	}
	st.ptrID = id
	return nil
}

// acquireHost returns the host advertisement for svc, registering the
// address records on first use. It does not wait for them to be
// established: the caller registers its instance set first, so both
// sets probe at once, and then waits with waitHost.
func (r *Responder) acquireHost(svc Service) (string, *hostState, error) {
	key := dns.CanonicalName(svc.Host)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, mdns.ErrClosed
	}
	if hs := r.hosts[key]; hs != nil {
		if !sameAddrs(hs.addrs, svc.Addrs) {
			r.mu.Unlock()
			return "", nil, fmt.Errorf("cannot advertise %q with addresses differing from its current advertisement", svc.Host)
		}
		hs.refs++
		r.mu.Unlock()
		return key, hs, nil
	}
	hs := &hostState{
		addrs: append([]net.IP(nil), svc.Addrs...),
		name:  svc.Host,
		refs:  1,
		ready: make(chan struct{}),
	}
	r.hosts[key] = hs
	r.mu.Unlock()

	id, err := r.registerHost(key, hs, svc)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		hs.err = err
		close(hs.ready)
		if r.hosts[key] == hs {
			delete(r.hosts, key)
		}
		return "", nil, err
	}
	hs.id = id
	return key, hs, nil
}

// registerHost registers the address record set of a new host and
// starts the goroutine resolving its establishment, which closes
// hs.ready for every Add sharing the host.
func (r *Responder) registerHost(key string, hs *hostState, svc Service) (mdns.SetID, error) {
	set, err := hostRecordSet(svc.Host, svc.Addrs)
	if err != nil {
		return 0, err
	}
	set.OnRename = func(old, new string) {
		seq := atomic.AddUint64(&hs.renameSeq, 1)
		r.repairs.Add(1)
		go func() {
			defer r.repairs.Done()
			r.hostRenamed(key, new, seq)
		}()
	}
	id, err := r.m.Register(set)
	if err != nil {
		return 0, err
	}
	r.repairs.Add(1)
	go func() {
		defer r.repairs.Done()
		_, werr := r.m.WaitEstablished(context.Background(), id)
		r.mu.Lock()
		hs.err = werr
		close(hs.ready)
		if werr != nil {
			if r.hosts[key] == hs {
				delete(r.hosts, key)
			}
			r.mu.Unlock()
			r.m.Deregister(id)
			return
		}
		r.mu.Unlock()
	}()
	return id, nil
}

// waitHost blocks until the host's address records are established,
// or ctx ends first.
func (r *Responder) waitHost(ctx context.Context, hs *hostState) error {
	select {
	case <-hs.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return hs.err
}

// hostRenamed repairs the services whose SRV records target a host
// that a conflict renamed: each affected instance set is replaced by
// one pointing at the new name.
func (r *Responder) hostRenamed(key, name string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	hs := r.hosts[key]
	if hs == nil || seq <= hs.appliedSeq {
		return
	}
	hs.appliedSeq = seq
	hs.name = name
	logger.Noticef("host renamed to %q after a conflict", name)
	for h, st := range r.services {
		if st.hostKey != key {
			continue
		}
		st.svc.Host = name
		if st.instID == 0 {
			continue
		}
		if err := r.rebuildInstance(h, st, name); err != nil {
			logger.Noticef("cannot update %q after host rename: %v", st.instName, err)
		}
	}
}

// rebuildInstance replaces an instance record set so its SRV targets
// the renamed host. Called with the lock held.
func (r *Responder) rebuildInstance(h Handle, st *serviceState, hostName string) error {
	r.m.Deregister(st.instID)
	st.instID = 0
	set, err := instanceRecordSet(st.svc, st.instName, hostName)
	if err != nil {
		return err
	}
	r.hookInstanceSet(set, h, st)
	id, err := r.m.Register(set)
	if err != nil {
		return err
	}
	st.instID = id
	return nil
}

func (r *Responder) releaseHost(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseHostLocked(key, r.hosts[key])
}

// releaseHostLocked drops one reference on hs. The identity check keeps
// a reference taken on a failed, superseded registration from touching
// the advertisement that replaced it.
func (r *Responder) releaseHostLocked(key string, hs *hostState) {
	if hs == nil || r.hosts[key] != hs {
		return
	}
	hs.refs--
	if hs.refs > 0 {
		return
	}
	delete(r.hosts, key)
	if hs.id != 0 {
		r.m.Deregister(hs.id)
	}
}

// acquireEnumLocked references the service type enumeration pointer
// for svc's type, registering it on first use.
func (r *Responder) acquireEnumLocked(svc Service) (string, error) {
	key := dns.CanonicalName(svc.TypeName())
	if es := r.enums[key]; es != nil {
		es.refs++
		return key, nil
	}
	set, err := enumerationRecordSet(svc.Type, svc.Domain)
	if err != nil {
		return "", err
	}
	id, err := r.m.Register(set)
	if err != nil {
		return "", err
	}
	r.enums[key] = &enumState{id: id, refs: 1}
	return key, nil
}

func (r *Responder) releaseEnumLocked(key string) {
	es := r.enums[key]
	if es == nil {
		return
	}
	es.refs--
	if es.refs == 0 {
		delete(r.enums, key)
		r.m.Deregister(es.id)
	}
}

func (r *Responder) dropService(h Handle) {
	r.mu.Lock()
	delete(r.services, h)
	r.mu.Unlock()
}

// dropInstance unwinds a partly added service, deregistering whichever
// instance set it holds by now: a host rename can have replaced the
// one the caller registered.
func (r *Responder) dropInstance(h Handle, st *serviceState) {
	r.mu.Lock()
	delete(r.services, h)
	id := st.instID
	r.mu.Unlock()
	if id != 0 {
		r.m.Deregister(id)
	}
}

// Remove withdraws an advertised service. Its pointers and instance
// records are retracted with goodbyes; the host's address records
// follow once no other service uses them.
func (r *Responder) Remove(h Handle) error {
	r.mu.Lock()
	st := r.services[h]
	if st == nil {
		r.mu.Unlock()
		return ErrUnknownService
	}
	delete(r.services, h)
	if st.ptrID != 0 {
		r.m.Deregister(st.ptrID)
	}
	if st.enumKey != "" {
		r.releaseEnumLocked(st.enumKey)
	}
	if st.instID != 0 {
		r.m.Deregister(st.instID)
	}
	hostKey := st.hostKey
	r.mu.Unlock()
	r.releaseHost(hostKey)
	logger.Debugf("withdrew %q", st.instName)
	return nil
}

// Advertised returns the current shape of an advertised service, with
// any conflict renames applied.
func (r *Responder) Advertised(h Handle) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.services[h]
	if st == nil {
		return Service{}, ErrUnknownService
	}
	return st.svc.clone(), nil
}

// Close withdraws every advertisement with a goodbye flush, stops all
// browses, and shuts down the underlying responder.
func (r *Responder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	browses := make([]*browse, 0, len(r.browses))
	for _, b := range r.browses {
		browses = append(browses, b)
	}
	r.browses = nil
	r.mu.Unlock()

	for _, b := range browses {
		b.stop()
	}
	// shutting down the responder retracts all registered sets
	err := r.m.Close()
	r.repairs.Wait()
	return err
}

// Dying returns a channel that closes when the underlying responder
// shuts down, cleanly or on transport failure.
func (r *Responder) Dying() <-chan struct{} {
	return r.m.Dying()
}

func sameAddrs(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	have := make(map[string]bool, len(a))
	for _, ip := range a {
		have[ip.String()] = true
	}
	for _, ip := range b {
		if !have[ip.String()] {
			return false
		}
	}
	return true
}
