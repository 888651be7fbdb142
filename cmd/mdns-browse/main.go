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
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/snapcore/mdnsd/dnssd"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/mdns"
	"github.com/snapcore/mdnsd/multicast"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var opts struct {
	Resolve    bool          `long:"resolve" description:"also print host, port, addresses and metadata"`
	Timeout    time.Duration `long:"timeout" description:"stop after this long instead of browsing until interrupted"`
	Interfaces []string      `long:"interface" description:"browse only on this interface (repeatable)"`
	IPv4Only   bool          `long:"ipv4-only" description:"browse over IPv4 only"`
	IPv6Only   bool          `long:"ipv6-only" description:"browse over IPv6 only"`
	Debug      bool          `long:"debug" short:"d" description:"enable debug logging"`
	Positional struct {
		Type   string `positional-arg-name:"<type>" description:"service type to browse, such as _http._tcp"`
		Domain string `positional-arg-name:"<domain>" description:"discovery domain (default: local)"`
	} `positional-args:"yes"`
}

const (
	shortHelp = "Browse services advertised over multicast DNS"
	longHelp  = `
mdns-browse watches the local network for instances of a service type,
such as _http._tcp, and prints them as they appear and disappear.
`
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) error {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = shortHelp
	parser.LongDescription = longHelp
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument %q", rest[0])
	}
	if opts.Positional.Type == "" {
		return fmt.Errorf("need a service type to browse, such as _http._tcp")
	}
	if err := dnssd.ValidateType(opts.Positional.Type); err != nil {
		return err
	}
	if opts.IPv4Only && opts.IPv6Only {
		return fmt.Errorf("cannot use --ipv4-only and --ipv6-only together")
	}
	return nil
}

// printEvent renders one browse event as a line of output, "+" for an
// instance appearing or changing and "-" for one going away.
func printEvent(w io.Writer, ev dnssd.Event, resolve bool) {
	mark := "+"
	if ev.Op == mdns.EventRemoved {
		mark = "-"
	}
	if !resolve {
		fmt.Fprintf(w, "%s %q\n", mark, ev.Entry.Instance)
		return
	}
	addrs := make([]string, 0, len(ev.Entry.Addrs))
	for _, ip := range ev.Entry.Addrs {
		addrs = append(addrs, ip.String())
	}
	line := fmt.Sprintf("%s %q %s:%d %s", mark, ev.Entry.Instance,
		strings.TrimSuffix(ev.Entry.Host, "."), ev.Entry.Port, strings.Join(addrs, ","))
	if txt := textString(ev.Entry.Text); txt != "" {
		line += " " + txt
	}
	fmt.Fprintln(w, line)
}

// textString renders TXT metadata in sorted key order, bare keys for
// empty values.
func textString(text map[string]string) string {
	keys := make([]string, 0, len(text))
	for k := range text {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := text[k]; v == "" {
			entries = append(entries, k)
		} else {
			entries = append(entries, k+"="+v)
		}
	}
	return strings.Join(entries, " ")
}

func run() error {
	if err := parseArgs(os.Args[1:]); err != nil {
		return err
	}
	if opts.Debug {
		os.Setenv("MDNSD_DEBUG", "1")
	}
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(Stderr, "WARNING: failed to activate logging: %v\n", err)
	}

	conn, err := multicast.New(multicast.Options{
		Interfaces:  opts.Interfaces,
		DisableIPv4: opts.IPv6Only,
		DisableIPv6: opts.IPv4Only,
	})
	if err != nil {
		return err
	}
	m, err := mdns.New(conn, mdns.Config{})
	if err != nil {
		conn.Close()
		return err
	}
	r := dnssd.New(m)

	// the notify callback runs on the browse worker, so printing here
	// keeps the output ordered without further plumbing
	_, err = r.Browse(opts.Positional.Type, opts.Positional.Domain, func(ev dnssd.Event) {
		printEvent(Stdout, ev, opts.Resolve)
	})
	if err != nil {
		r.Close()
		return err
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ch:
	case <-timeout:
	case <-r.Dying():
		logger.Noticef("Responder stopped unexpectedly.")
	}
	return r.Close()
}
