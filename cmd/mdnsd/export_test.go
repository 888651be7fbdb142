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

package main

import (
	"net"
)

var (
	ParseArgs         = parseArgs
	LoadConfig        = loadConfig
	PickHostname      = pickHostname
	BuildServices     = buildServices
	AdvertisableAddrs = advertisableAddrs
)

type ConfigFile = configFile
type ServiceConfig = serviceConfig

func BackupOpts() (restore func()) {
	old := opts
	return func() {
		opts = old
	}
}

func MockOsHostname(f func() (string, error)) (restore func()) {
	old := osHostname
	osHostname = f
	return func() {
		osHostname = old
	}
}

func MockInterfaceAddrs(f func() ([]net.Addr, error)) (restore func()) {
	old := interfaceAddrs
	interfaceAddrs = f
	return func() {
		interfaceAddrs = old
	}
}
