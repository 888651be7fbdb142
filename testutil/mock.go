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

package testutil

import (
	"github.com/snapcore/mdnsd/osutil"
)

// Mock mocks the value of a variable for the duration of a test. It must only
// be called from tests, and the returned restore function should be registered
// to run when the test ends, to undo the mocking.
func Mock[T any](ptr *T, val T) (restore func()) {
	osutil.MustBeTestBinary("mocking can only be done from tests")
	old := *ptr
	*ptr = val
	return func() {
		*ptr = old
	}
}

// Backup takes a snapshot of the value of a variable and returns a restore
// function to reset it, useful when a test mutates it in place.
func Backup[T any](ptr *T) (restore func()) {
	osutil.MustBeTestBinary("mocking can only be done from tests")
	old := *ptr
	return func() {
		*ptr = old
	}
}
