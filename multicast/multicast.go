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

// Package multicast provides the UDP transport of the mDNS responder:
// dual-stack sockets on port 5353, joined to the well-known multicast
// groups on every eligible interface (RFC 6762 section 3).
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/mdnsd/dnsutil"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/mdns"
)

var (
	groupV4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: dnsutil.Port}
	groupV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: dnsutil.Port}
)

// rejoinInterval paces the fallback sweep for interfaces that appeared
// without the platform watcher noticing.
const rejoinInterval = 10 * time.Second

var interfaceAddrs = func(ifc *net.Interface) ([]net.Addr, error) {
	return ifc.Addrs()
}

// Options configures a Conn. The zero value serves both address
// families on all eligible interfaces.
type Options struct {
	// Interfaces restricts the transport to interfaces with these
	// names; empty means every eligible interface.
	Interfaces []string
	// DisableIPv4 and DisableIPv6 drop one address family.
	DisableIPv4 bool
	DisableIPv6 bool
	// IncludeLoopback also serves loopback interfaces, which is mostly
	// useful for talking to responders on the same machine.
	IncludeLoopback bool
}

// Conn is a dual-stack mDNS transport. It implements mdns.Transport:
// received packets are delivered on Packets, and Send with a nil
// destination multicasts to the mDNS groups on every joined interface.
type Conn struct {
	opts Options

	udp4 *net.UDPConn
	udp6 *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn

	packets chan mdns.Packet
	tomb    tomb.Tomb

	closeOnce sync.Once

	mu     sync.Mutex
	joined map[int]*net.Interface
}

// New opens the mDNS sockets, joins the multicast groups, and starts
// the reader and interface watcher goroutines.
func New(opts Options) (*Conn, error) {
	if opts.DisableIPv4 && opts.DisableIPv6 {
		return nil, fmt.Errorf("cannot disable both address families")
	}
	c := &Conn{
		opts:    opts,
		packets: make(chan mdns.Packet, 64),
		joined:  make(map[int]*net.Interface),
	}

	if !opts.DisableIPv4 {
		udp, err := listenReuse("udp4", "0.0.0.0:5353")
		if err != nil {
			return nil, fmt.Errorf("cannot listen on the IPv4 mDNS port: %v", err)
		}
		c.udp4 = udp
		c.pc4 = ipv4.NewPacketConn(udp)
		if err := c.pc4.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			logger.Debugf("cannot enable IPv4 interface attribution: %v", err)
		}
		if err := c.pc4.SetMulticastTTL(255); err != nil {
			logger.Debugf("cannot set the IPv4 multicast TTL: %v", err)
		}
		if err := c.pc4.SetMulticastLoopback(opts.IncludeLoopback); err != nil {
			logger.Debugf("cannot adjust IPv4 multicast loopback: %v", err)
		}
	}
	if !opts.DisableIPv6 {
		udp, err := listenReuse("udp6", "[::]:5353")
		if err != nil {
			c.closeSockets()
			return nil, fmt.Errorf("cannot listen on the IPv6 mDNS port: %v", err)
		}
		c.udp6 = udp
		c.pc6 = ipv6.NewPacketConn(udp)
		if err := c.pc6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
			logger.Debugf("cannot enable IPv6 interface attribution: %v", err)
		}
		if err := c.pc6.SetMulticastHopLimit(255); err != nil {
			logger.Debugf("cannot set the IPv6 multicast hop limit: %v", err)
		}
		if err := c.pc6.SetMulticastLoopback(opts.IncludeLoopback); err != nil {
			logger.Debugf("cannot adjust IPv6 multicast loopback: %v", err)
		}
	}

	if joined := c.refreshGroups(); joined == 0 {
		c.closeSockets()
		return nil, fmt.Errorf("cannot join the mDNS multicast group on any interface")
	}

	if c.pc4 != nil {
		c.tomb.Go(c.reader4)
	}
	if c.pc6 != nil {
		c.tomb.Go(c.reader6)
	}
	c.tomb.Go(c.watch)
	c.tomb.Go(func() error {
		// a dying tomb must unblock the readers
		<-c.tomb.Dying()
		c.closeSockets()
		return nil
	})
	go func() {
		c.tomb.Wait()
		close(c.packets)
	}()
	return c, nil
}

// listenReuse binds a UDP socket with SO_REUSEADDR and SO_REUSEPORT so
// that several mDNS responders can share the well-known port
// (RFC 6762 section 15).
func listenReuse(network, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var sockErr error
			err := conn.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, err
	}
	udp := pc.(*net.UDPConn)
	if err := udp.SetReadBuffer(1 << 16); err != nil {
		logger.Debugf("cannot grow the receive buffer of %s: %v", address, err)
	}
	return udp, nil
}

// eligibleInterfaces filters all down to the interfaces the transport
// should serve: up, multicast capable, addressed, and not loopback
// unless requested.
func eligibleInterfaces(all []net.Interface, opts Options) []net.Interface {
	var out []net.Interface
	for _, ifc := range all {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagMulticast == 0 {
			continue
		}
		if ifc.Flags&net.FlagLoopback != 0 && !opts.IncludeLoopback {
			continue
		}
		if len(opts.Interfaces) > 0 {
			found := false
			for _, name := range opts.Interfaces {
				if name == ifc.Name {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if addrs, err := interfaceAddrs(&ifc); err != nil || len(addrs) == 0 {
			continue
		}
		out = append(out, ifc)
	}
	return out
}

// refreshGroups reconciles the group memberships with the current
// interface list: vanished interfaces are forgotten and new ones
// joined. It returns how many interfaces are joined afterwards.
func (c *Conn) refreshGroups() int {
	all, err := net.Interfaces()
	eligible := eligibleInterfaces(all, c.opts)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		logger.Noticef("cannot list network interfaces: %v", err)
		return len(c.joined)
	}

	live := make(map[int]bool, len(eligible))
	for _, ifc := range eligible {
		live[ifc.Index] = true
	}
	for idx, ifc := range c.joined {
		if !live[idx] {
			delete(c.joined, idx)
			logger.Debugf("stopped serving mDNS on %s", ifc.Name)
		}
	}

	for i := range eligible {
		ifc := eligible[i]
		if _, ok := c.joined[ifc.Index]; ok {
			continue
		}
		joined := false
		if c.pc4 != nil {
			if err := c.pc4.JoinGroup(&ifc, groupV4); err != nil {
				logger.Debugf("cannot join %v on %s: %v", groupV4.IP, ifc.Name, err)
			} else {
				joined = true
			}
		}
		if c.pc6 != nil {
			if err := c.pc6.JoinGroup(&ifc, groupV6); err != nil {
				logger.Debugf("cannot join %v on %s: %v", groupV6.IP, ifc.Name, err)
			} else {
				joined = true
			}
		}
		if joined {
			c.joined[ifc.Index] = &ifc
			logger.Debugf("serving mDNS on %s", ifc.Name)
		}
	}
	return len(c.joined)
}

// watchTicker is the portable interface watcher: a periodic sweep that
// picks up appeared and vanished interfaces.
func (c *Conn) watchTicker() error {
	t := time.NewTicker(rejoinInterval)
	defer t.Stop()
	for {
		select {
		case <-c.tomb.Dying():
			return nil
		case <-t.C:
			c.refreshGroups()
		}
	}
}

// Send implements mdns.Transport. A nil destination multicasts to the
// mDNS groups on every joined interface; any other destination is
// answered unicast, as for legacy one-shot queries.
func (c *Conn) Send(buf []byte, dst *net.UDPAddr) error {
	if dst != nil {
		return c.sendUnicast(buf, dst)
	}

	c.mu.Lock()
	ifaces := make([]*net.Interface, 0, len(c.joined))
	for _, ifc := range c.joined {
		ifaces = append(ifaces, ifc)
	}
	c.mu.Unlock()

	var firstErr error
	sent := false
	for _, ifc := range ifaces {
		if c.pc4 != nil {
			err := c.pc4.SetMulticastInterface(ifc)
			if err == nil {
				_, err = c.pc4.WriteTo(buf, nil, groupV4)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			} else if err == nil {
				sent = true
			}
		}
		if c.pc6 != nil {
			err := c.pc6.SetMulticastInterface(ifc)
			if err == nil {
				_, err = c.pc6.WriteTo(buf, nil, groupV6)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			} else if err == nil {
				sent = true
			}
		}
	}
	if !sent && firstErr != nil {
		return firstErr
	}
	return nil
}

func (c *Conn) sendUnicast(buf []byte, dst *net.UDPAddr) error {
	if dst.IP.To4() != nil {
		if c.pc4 == nil {
			return fmt.Errorf("cannot send to %v: IPv4 is disabled", dst)
		}
		_, err := c.pc4.WriteTo(buf, nil, dst)
		return err
	}
	if c.pc6 == nil {
		return fmt.Errorf("cannot send to %v: IPv6 is disabled", dst)
	}
	_, err := c.pc6.WriteTo(buf, nil, dst)
	return err
}

// Packets implements mdns.Transport. The channel is closed when the
// transport shuts down.
func (c *Conn) Packets() <-chan mdns.Packet {
	return c.packets
}

func (c *Conn) reader4() error {
	buf := make([]byte, dnsutil.MaxPacketSize)
	for {
		n, cm, src, err := c.pc4.ReadFrom(buf)
		if err != nil {
			return c.readerErr(err)
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		c.deliver(buf[:n], src, ifIndex)
	}
}

func (c *Conn) reader6() error {
	buf := make([]byte, dnsutil.MaxPacketSize)
	for {
		n, cm, src, err := c.pc6.ReadFrom(buf)
		if err != nil {
			return c.readerErr(err)
		}
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		c.deliver(buf[:n], src, ifIndex)
	}
}

func (c *Conn) readerErr(err error) error {
	if errors.Is(err, net.ErrClosed) || !c.tomb.Alive() {
		return nil
	}
	return fmt.Errorf("cannot read from the mDNS socket: %v", err)
}

func (c *Conn) deliver(data []byte, src net.Addr, ifIndex int) {
	from, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	pkt := mdns.Packet{
		Data:    append([]byte(nil), data...),
		From:    from,
		IfIndex: ifIndex,
	}
	select {
	case c.packets <- pkt:
	case <-c.tomb.Dying():
	}
}

func (c *Conn) closeSockets() {
	c.closeOnce.Do(func() {
		if c.udp4 != nil {
			c.udp4.Close()
		}
		if c.udp6 != nil {
			c.udp6.Close()
		}
	})
}

// Close implements mdns.Transport, tearing down the sockets and the
// helper goroutines.
func (c *Conn) Close() error {
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}
