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

package multicast

import (
	"github.com/vishvananda/netlink"

	"github.com/snapcore/mdnsd/logger"
)

// watch follows the kernel's address and link notifications so that
// group memberships track interfaces as they come and go. If netlink
// is unavailable it degrades to the periodic sweep.
func (c *Conn) watch() error {
	done := make(chan struct{})
	defer close(done)

	addrs := make(chan netlink.AddrUpdate, 16)
	if err := netlink.AddrSubscribe(addrs, done); err != nil {
		logger.Noticef("cannot subscribe to address updates: %v", err)
		return c.watchTicker()
	}
	links := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribe(links, done); err != nil {
		logger.Noticef("cannot subscribe to link updates: %v", err)
		return c.watchTicker()
	}

	for {
		select {
		case <-c.tomb.Dying():
			return nil
		case u, ok := <-addrs:
			if !ok {
				logger.Noticef("lost the address update subscription, sweeping periodically instead")
				return c.watchTicker()
			}
			if u.NewAddr {
				logger.Debugf("address %v appeared on interface %d", u.LinkAddress.IP, u.LinkIndex)
			} else {
				logger.Debugf("address %v left interface %d", u.LinkAddress.IP, u.LinkIndex)
			}
			c.refreshGroups()
		case u, ok := <-links:
			if !ok {
				logger.Noticef("lost the link update subscription, sweeping periodically instead")
				return c.watchTicker()
			}
			if attrs := u.Attrs(); attrs != nil {
				logger.Debugf("interface %s changed state", attrs.Name)
			}
			c.refreshGroups()
		}
	}
}
