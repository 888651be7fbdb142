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

// Package randutil initialises properly random value generation and
// exposes a streamlined set of functions for it.
//
// Most of the protocol timing in this project is jittered (probe start,
// shared response delay, cache refresh offsets), so predictable
// pseudo-randomness across a fleet of responders would synchronise their
// traffic into bursts; hence the crypto-quality seed.
package randutil

import (
	cryptorand "crypto/rand"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"time"
)

func init() {
	// golang does not init Seed() itself
	bigSeed, err := cryptorand.Int(cryptorand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		panic(fmt.Sprintf("cannot obtain random seed: %v", err))
	}
	rand.Seed(bigSeed.Int64())
}

// Reexported from math/rand for streamlining.
var (
	Intn   = rand.Intn
	Int63n = rand.Int63n
)

// RandomDuration returns a random duration up to the given length, or
// zero for lengths that are not positive.
func RandomDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(Int63n(int64(d)))
}

// RandomDurationBetween returns a random duration in [min,max).
//
// RFC 6762 asks for several delays of this shape, e.g. responses to
// shared-record queries are spread over 20-120ms (section 6).
func RandomDurationBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + RandomDuration(max-min)
}
