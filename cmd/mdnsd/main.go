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
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v2"

	"github.com/snapcore/mdnsd/dnssd"
	"github.com/snapcore/mdnsd/logger"
	"github.com/snapcore/mdnsd/mdns"
	"github.com/snapcore/mdnsd/multicast"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	osHostname     = os.Hostname
	interfaceAddrs = net.InterfaceAddrs
)

var opts struct {
	Config          string   `long:"config" description:"YAML file listing the services to advertise"`
	Hostname        string   `long:"hostname" description:"host name to advertise (default: the system host name)"`
	Interfaces      []string `long:"interface" description:"serve only on this interface (repeatable)"`
	IPv4Only        bool     `long:"ipv4-only" description:"serve IPv4 only"`
	IPv6Only        bool     `long:"ipv6-only" description:"serve IPv6 only"`
	IncludeLoopback bool     `long:"include-loopback" description:"also serve on loopback interfaces"`
	Debug           bool     `long:"debug" short:"d" description:"enable debug logging"`
}

const (
	shortHelp = "Advertise services over multicast DNS"
	longHelp  = `
mdnsd advertises the host and the services listed in its configuration
over multicast DNS (RFC 6762) so that other hosts on the link can
discover them. On SIGINT or SIGTERM the advertisements are retracted
before exiting.
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
	if opts.IPv4Only && opts.IPv6Only {
		return fmt.Errorf("cannot use --ipv4-only and --ipv6-only together")
	}
	if opts.Config == "" {
		return fmt.Errorf("cannot start without a configuration, use --config")
	}
	return nil
}

// serviceConfig is one service stanza of the configuration file.
type serviceConfig struct {
	Instance string `yaml:"instance"`
	Type     string `yaml:"type"`
	Domain   string `yaml:"domain,omitempty"`
	// Host overrides the advertised host name for this service only.
	Host     string            `yaml:"host,omitempty"`
	Port     uint16            `yaml:"port"`
	Priority uint16            `yaml:"priority,omitempty"`
	Weight   uint16            `yaml:"weight,omitempty"`
	Text     map[string]string `yaml:"text,omitempty"`
	// Addresses overrides the autodetected addresses.
	Addresses []string `yaml:"addresses,omitempty"`
}

type configFile struct {
	Hostname string          `yaml:"hostname,omitempty"`
	Services []serviceConfig `yaml:"services"`
	Tuning   mdns.Config     `yaml:"tuning,omitempty"`
}

func loadConfig(path string) (*configFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration: %v", err)
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %v", path, err)
	}
	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("cannot find any services in %s", path)
	}
	return &cfg, nil
}

// pickHostname resolves the advertised host name: the command line
// wins over the configuration file, which wins over the system host
// name trimmed to its first label.
func pickHostname(cfg *configFile) (string, error) {
	if opts.Hostname != "" {
		return opts.Hostname, nil
	}
	if cfg.Hostname != "" {
		return cfg.Hostname, nil
	}
	name, err := osHostname()
	if err != nil {
		return "", fmt.Errorf("cannot determine the host name: %v", err)
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name, nil
}

// advertisableAddrs autodetects the addresses worth advertising.
// Loopback stays out unless served, as do IPv6 link-local addresses,
// whose zone means nothing to other hosts.
func advertisableAddrs() ([]net.IP, error) {
	addrs, err := interfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("cannot list addresses: %v", err)
	}
	var out []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		switch {
		case ip.IsLoopback():
			if !opts.IncludeLoopback {
				continue
			}
		case ip.To4() == nil && ip.IsLinkLocalUnicast():
			continue
		case !ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast():
			continue
		}
		if opts.IPv4Only && ip.To4() == nil {
			continue
		}
		if opts.IPv6Only && ip.To4() != nil {
			continue
		}
		out = append(out, ip)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cannot find any address to advertise")
	}
	return out, nil
}

// buildServices turns the configuration into advertisable services,
// filling in the host name and autodetected addresses where a stanza
// leaves them out.
func buildServices(cfg *configFile, host string) ([]dnssd.Service, error) {
	var shared []net.IP
	for _, sc := range cfg.Services {
		if len(sc.Addresses) == 0 {
			addrs, err := advertisableAddrs()
			if err != nil {
				return nil, err
			}
			shared = addrs
			break
		}
	}

	var out []dnssd.Service
	for _, sc := range cfg.Services {
		svc := dnssd.Service{
			Instance: sc.Instance,
			Type:     sc.Type,
			Domain:   sc.Domain,
			Host:     sc.Host,
			Port:     sc.Port,
			Priority: sc.Priority,
			Weight:   sc.Weight,
			Text:     sc.Text,
		}
		if svc.Host == "" {
			svc.Host = host
		}
		if len(sc.Addresses) > 0 {
			for _, a := range sc.Addresses {
				ip := net.ParseIP(a)
				if ip == nil {
					return nil, fmt.Errorf("cannot parse address %q of service %q", a, sc.Instance)
				}
				svc.Addrs = append(svc.Addrs, ip)
			}
		} else {
			svc.Addrs = shared
		}
		out = append(out, svc)
	}
	return out, nil
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

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	host, err := pickHostname(cfg)
	if err != nil {
		return err
	}
	svcs, err := buildServices(cfg, host)
	if err != nil {
		return err
	}

	conn, err := multicast.New(multicast.Options{
		Interfaces:      opts.Interfaces,
		DisableIPv4:     opts.IPv6Only,
		DisableIPv6:     opts.IPv4Only,
		IncludeLoopback: opts.IncludeLoopback,
	})
	if err != nil {
		return err
	}
	m, err := mdns.New(conn, cfg.Tuning)
	if err != nil {
		conn.Close()
		return err
	}
	r := dnssd.New(m)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case sig := <-ch:
			logger.Noticef("Exiting on %s.", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, svc := range svcs {
		h, err := r.Add(ctx, svc)
		if err != nil {
			if ctx.Err() != nil {
				// interrupted during startup; retract what made it out
				return r.Close()
			}
			r.Close()
			return fmt.Errorf("cannot advertise %q: %v", svc.Instance, err)
		}
		adv, err := r.Advertised(h)
		if err != nil {
			r.Close()
			return fmt.Errorf("cannot advertise %q: %v", svc.Instance, err)
		}
		logger.Noticef("Advertising %q (%s) on port %d as %s.", adv.Instance, adv.Type, adv.Port, adv.Host)
	}

	select {
	case <-ctx.Done():
	case <-r.Dying():
		logger.Noticef("Responder stopped unexpectedly.")
	}
	return r.Close()
}
