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

// Package dnssd implements DNS-Based Service Discovery (RFC 6763) on
// top of the multicast DNS responder of package mdns: services are
// advertised as a group of address, SRV, TXT and pointer records, and
// discovered by browsing a service type or resolving an instance.
package dnssd

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
)

// Service describes one advertised service instance.
type Service struct {
	// Instance is the human-readable instance name, such as
	// "Deep Thought". Up to 63 octets of UTF-8; dots and any other
	// DNS-special characters are escaped when the name goes on the
	// wire.
	Instance string
	// Type is the service type in the "_http._tcp" form of RFC 6763
	// section 7.
	Type string
	// Domain is the discovery domain to advertise in, "local" when
	// empty.
	Domain string
	// Host is the host name the service's SRV record points at. A bare
	// label is completed with the domain.
	Host string
	// Port is the port the service listens on.
	Port uint16
	// Priority and Weight fill the SRV fields of the same names.
	Priority uint16
	Weight   uint16
	// Text holds the TXT metadata of the instance (RFC 6763 section 6).
	// A key with an empty value is rendered as a bare attribute.
	Text map[string]string
	// Addrs are the addresses advertised for Host.
	Addrs []net.IP
}

// InstanceName returns the full service instance name of the service,
// such as "Deep\ Thought._http._tcp.local.".
func (s *Service) InstanceName() string {
	return ServiceInstanceName(s.Instance, s.Type, s.Domain)
}

// TypeName returns the full browsing name of the service's type, such
// as "_http._tcp.local.".
func (s *Service) TypeName() string {
	return TypeName(s.Type, s.Domain)
}

func (s *Service) clone() Service {
	out := *s
	if s.Text != nil {
		out.Text = make(map[string]string, len(s.Text))
		for k, v := range s.Text {
			out.Text[k] = v
		}
	}
	out.Addrs = append([]net.IP(nil), s.Addrs...)
	return out
}

// completeService validates a service and fills its derivable fields.
func completeService(s Service) (Service, error) {
	if err := validateInstance(s.Instance); err != nil {
		return s, err
	}
	if err := ValidateType(s.Type); err != nil {
		return s, err
	}
	if s.Domain == "" {
		s.Domain = "local"
	}
	s.Domain = strings.TrimSuffix(s.Domain, ".")
	if _, ok := dns.IsDomainName(s.Domain); !ok {
		return s, fmt.Errorf("cannot use %q as a discovery domain", s.Domain)
	}
	if s.Host == "" {
		return s, fmt.Errorf("cannot advertise %q without a host name", s.Instance)
	}
	if !strings.Contains(s.Host, ".") {
		s.Host = s.Host + "." + s.Domain
	}
	s.Host = dns.Fqdn(s.Host)
	if _, ok := dns.IsDomainName(s.Host); !ok {
		return s, fmt.Errorf("cannot use %q as a host name", s.Host)
	}
	if s.Port == 0 {
		return s, fmt.Errorf("cannot advertise %q without a port", s.Instance)
	}
	if len(s.Addrs) == 0 {
		return s, fmt.Errorf("cannot advertise %q without addresses", s.Instance)
	}
	for _, ip := range s.Addrs {
		if ip.To4() == nil && ip.To16() == nil {
			return s, fmt.Errorf("cannot advertise invalid address %v for %q", ip, s.Instance)
		}
	}
	for k, v := range s.Text {
		if err := validateTextEntry(k, v); err != nil {
			return s, err
		}
	}
	return s, nil
}

// validateInstance checks an instance name against RFC 6763 section
// 4.1.1: up to 63 octets of UTF-8, no control characters.
func validateInstance(instance string) error {
	if instance == "" {
		return fmt.Errorf("cannot use an empty instance name")
	}
	if len(instance) > 63 {
		return fmt.Errorf("cannot use instance name %q: longer than 63 octets", instance)
	}
	if !utf8.ValidString(instance) {
		return fmt.Errorf("cannot use instance name %q: not valid UTF-8", instance)
	}
	for _, r := range instance {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("cannot use instance name %q: control characters are not allowed", instance)
		}
	}
	return nil
}

// typeRe shapes service types per RFC 6763 section 7: an underscore,
// up to fifteen letters, digits or inner hyphens, then "._tcp" or
// "._udp".
var typeRe = regexp.MustCompile(`^_[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?\._(tcp|udp)$`)

// ValidateType checks a service type such as "_http._tcp".
func ValidateType(serviceType string) error {
	if !typeRe.MatchString(serviceType) {
		return fmt.Errorf("cannot use service type %q: expected a form like \"_http._tcp\"", serviceType)
	}
	if n := strings.Index(serviceType, "."); n-1 > 15 {
		return fmt.Errorf("cannot use service type %q: name longer than 15 octets", serviceType)
	}
	return nil
}

func validateTextEntry(k, v string) error {
	if k == "" {
		return fmt.Errorf("cannot use an empty TXT key")
	}
	for i := 0; i < len(k); i++ {
		if c := k[i]; c < 0x20 || c > 0x7e || c == '=' {
			return fmt.Errorf("cannot use TXT key %q: keys are printable ASCII without %q", k, "=")
		}
	}
	entry := k
	if v != "" {
		entry = k + "=" + v
	}
	if len(entry) > 255 {
		return fmt.Errorf("cannot use TXT entry for key %q: longer than 255 octets", k)
	}
	return nil
}

// TypeName returns the fully qualified browsing name of a service type
// in a domain, such as "_http._tcp.local.".
func TypeName(serviceType, domain string) string {
	if domain == "" {
		domain = "local"
	}
	return serviceType + "." + dns.Fqdn(domain)
}

// ServiceInstanceName returns the fully qualified name of a service
// instance, with the instance label escaped per RFC 6763 section 4.3.
func ServiceInstanceName(instance, serviceType, domain string) string {
	return escapeInstance(instance) + "." + TypeName(serviceType, domain)
}

// enumerationName is where the service types present in a domain are
// themselves enumerable (RFC 6763 section 9).
func enumerationName(domain string) string {
	if domain == "" {
		domain = "local"
	}
	return "_services._dns-sd._udp." + dns.Fqdn(domain)
}

// escapeInstance quotes an instance label for use in a domain name.
// The escaping mirrors the presentation format of unpacked names, so
// that registered names compare equal to names arriving off the wire.
func escapeInstance(instance string) string {
	var b strings.Builder
	for i := 0; i < len(instance); i++ {
		c := instance[i]
		switch {
		case labelSpecial(c):
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func labelSpecial(c byte) bool {
	switch c {
	case '.', ' ', '\'', '@', ';', '(', ')', '"', '\\':
		return true
	}
	return false
}

// unescapeLabel undoes escapeInstance, turning a wire-format label
// back into its display form.
func unescapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(label) {
			break
		}
		if i+2 < len(label) && isDigit(label[i]) && isDigit(label[i+1]) && isDigit(label[i+2]) {
			n, err := strconv.Atoi(label[i : i+3])
			if err == nil && n < 256 {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(label[i])
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// splitInstanceName splits a full service instance name into its
// escaped first label and the remainder, honoring escaped dots.
func splitInstanceName(name string) (label, rest string) {
	idx := dns.Split(name)
	if len(idx) > 1 {
		return name[:idx[1]-1], name[idx[1]-1:]
	}
	return strings.TrimSuffix(name, "."), "."
}

// instanceNumberRe recognizes the numbering nextInstance applies.
var instanceNumberRe = regexp.MustCompile(`^(.*) \(([0-9]+)\)$`)

// nextInstance derives the replacement advertised after an instance
// name conflict: "Printer" becomes "Printer (2)", then "Printer (3)",
// the convention RFC 6762 section 9 suggests for user-visible names.
func nextInstance(instance string) string {
	if m := instanceNumberRe.FindStringSubmatch(instance); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil && n >= 2 {
			return fmt.Sprintf("%s (%d)", m[1], n+1)
		}
	}
	return instance + " (2)"
}

// renameInstance adapts nextInstance to the record set rename hook,
// working on the escaped first label of the full instance name.
func renameInstance(current string, attempt int) string {
	label, rest := splitInstanceName(current)
	return escapeInstance(nextInstance(unescapeLabel(label))) + rest
}

// txtStrings renders a metadata table as TXT rdata strings in sorted
// key order. A TXT record must carry at least one string, so an empty
// table yields a single empty one (RFC 6763 section 6.1).
func txtStrings(text map[string]string) []string {
	if len(text) == 0 {
		return []string{""}
	}
	keys := make([]string, 0, len(text))
	for k := range text {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := text[k]; v == "" {
			out = append(out, k)
		} else {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// parseText decodes TXT rdata strings into a metadata table. Later
// duplicates of a key and keyless strings are discarded (RFC 6763
// section 6.4).
func parseText(strs []string) map[string]string {
	text := make(map[string]string, len(strs))
	for _, s := range strs {
		if s == "" {
			continue
		}
		k, v, _ := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if _, ok := text[k]; ok {
			continue
		}
		text[k] = v
	}
	return text
}
