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
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a Responder that has been
	// closed or whose event loop has died.
	ErrClosed = errors.New("responder is closed")

	// ErrUnknownSet is returned for a SetID that is not registered.
	ErrUnknownSet = errors.New("unknown record set")

	// ErrUnknownQuery is returned for a QueryID that is not registered.
	ErrUnknownQuery = errors.New("unknown standing query")

	// ErrWithdrawn is returned by WaitEstablished when the record set
	// was deregistered before it could be established.
	ErrWithdrawn = errors.New("record set was withdrawn")
)

// ConflictError is returned by WaitEstablished when a record set could
// not claim a unique name even after the allowed number of renames.
type ConflictError struct {
	// Name is the last owner name that was tried.
	Name string
	// Renames is how many replacement names were tried.
	Renames int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot claim unique name %q: still conflicting after %d renames", e.Name, e.Renames)
}
