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
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/snapcore/mdnsd/mdns"
)

const (
	// hostRecordTTL is the lifetime of records naming the advertising
	// host itself: A, AAAA and SRV (RFC 6762 section 10).
	hostRecordTTL = 120
	// metadataTTL is the lifetime of the PTR and TXT records
	// (RFC 6762 section 10, 75 minutes).
	metadataTTL = 4500
)

// hostRecordSet builds the unique address records of the advertising
// host.
func hostRecordSet(host string, addrs []net.IP) (*mdns.RecordSet, error) {
	set, err := mdns.NewRecordSet(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range addrs {
		rr, err := addrRecord(host, ip)
		if err != nil {
			return nil, err
		}
		if err := set.AddUnique(rr); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func addrRecord(host string, ip net.IP) (dns.RR, error) {
	hdr := dns.RR_Header{Name: host, Class: dns.ClassINET, Ttl: hostRecordTTL}
	if ip4 := ip.To4(); ip4 != nil {
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: ip4}, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		hdr.Rrtype = dns.TypeAAAA
		return &dns.AAAA{Hdr: hdr, AAAA: ip16}, nil
	}
	return nil, fmt.Errorf("cannot advertise invalid address %v for %q", ip, host)
}

// instanceRecordSet builds the unique SRV and TXT records of a service
// instance, pointing at the given (possibly renamed) host.
func instanceRecordSet(svc Service, instName, host string) (*mdns.RecordSet, error) {
	set, err := mdns.NewRecordSet(instName)
	if err != nil {
		return nil, err
	}
	srv := &dns.SRV{
		Hdr:      dns.RR_Header{Name: instName, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: hostRecordTTL},
		Priority: svc.Priority,
		Weight:   svc.Weight,
		Port:     svc.Port,
		Target:   host,
	}
	if err := set.AddUnique(srv); err != nil {
		return nil, err
	}
	txt := &dns.TXT{
		Hdr: dns.RR_Header{Name: instName, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: metadataTTL},
		Txt: txtStrings(svc.Text),
	}
	if err := set.AddUnique(txt); err != nil {
		return nil, err
	}
	return set, nil
}

// pointerRecordSet builds the shared browsing pointer from the service
// type to the instance.
func pointerRecordSet(svc Service, instName string) (*mdns.RecordSet, error) {
	typeName := TypeName(svc.Type, svc.Domain)
	set, err := mdns.NewRecordSet(typeName)
	if err != nil {
		return nil, err
	}
	ptr := &dns.PTR{
		Hdr: dns.RR_Header{Name: typeName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: metadataTTL},
		Ptr: instName,
	}
	if err := set.AddShared(ptr); err != nil {
		return nil, err
	}
	return set, nil
}

// enumerationRecordSet builds the shared pointer that lists the service
// type under "_services._dns-sd._udp" (RFC 6763 section 9).
func enumerationRecordSet(serviceType, domain string) (*mdns.RecordSet, error) {
	enumName := enumerationName(domain)
	set, err := mdns.NewRecordSet(enumName)
	if err != nil {
		return nil, err
	}
	ptr := &dns.PTR{
		Hdr: dns.RR_Header{Name: enumName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: metadataTTL},
		Ptr: TypeName(serviceType, domain),
	}
	if err := set.AddShared(ptr); err != nil {
		return nil, err
	}
	return set, nil
}
