// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package discovery announces the proxy over mDNS so consoles list it next
// to real switchers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// ServiceName is the DNS-SD service switchers register under.
	ServiceName = "_blackmagic._tcp.local."

	DefaultInterval = 10 * time.Second
	DefaultPort     = 9910

	ttl = 120
)

// MulticastAddr is the IPv4 mDNS group.
var MulticastAddr = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Config configures an Announcer.
type Config struct {
	// Name is the model name shown to consoles.
	Name string
	// DeviceID is the unique id advertised in the TXT record.
	DeviceID string
	// Port is the advertised console port.
	Port     int
	Interval time.Duration
	// Addrs returns the IPv4 addresses to advertise. Defaults to every
	// non-loopback interface address.
	Addrs  func() ([]net.IP, error)
	Logger *slog.Logger
}

// Announcer periodically multicasts the proxy's service records and
// answers queries for ServiceName.
type Announcer struct {
	cfg      Config
	instance string
	host     string
	logger   *slog.Logger
}

func New(cfg Config) *Announcer {
	if cfg.Name == "" {
		cfg.Name = "ATEM Proxy"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Addrs == nil {
		cfg.Addrs = LocalIPv4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	safe := strings.ToUpper(strings.ReplaceAll(cfg.Name, " ", "-"))
	return &Announcer{
		cfg:      cfg,
		instance: dns.Fqdn(fmt.Sprintf("Proxy %s.%s", cfg.Name, ServiceName)),
		host:     dns.Fqdn(fmt.Sprintf("PROXY-%s-%s.local", safe, cfg.DeviceID)),
		logger:   cfg.Logger,
	}
}

// Listen joins the mDNS group and runs the announcer until ctx is done.
func (a *Announcer) Listen(ctx context.Context) error {
	conn, err := net.ListenMulticastUDP("udp4", nil, MulticastAddr)
	if err != nil {
		return fmt.Errorf("join mdns group: %w", err)
	}
	return a.Serve(ctx, conn, MulticastAddr)
}

// Serve announces to dst every interval and whenever a query for
// ServiceName arrives on conn. It closes conn on return.
func (a *Announcer) Serve(ctx context.Context, conn net.PacketConn, dst net.Addr) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go a.announceLoop(ctx, conn, dst)

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read mdns: %w", err)
		}

		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		if !IsQuery(&msg) {
			continue
		}
		a.logger.Debug("mdns query")
		a.announce(conn, dst)
	}
}

func (a *Announcer) announceLoop(ctx context.Context, conn net.PacketConn, dst net.Addr) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.logger.Debug("mdns announce")
		a.announce(conn, dst)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Announcer) announce(conn net.PacketConn, dst net.Addr) {
	addrs, err := a.cfg.Addrs()
	if err != nil {
		a.logger.Warn("failed to list interface addresses", slog.Any("error", err))
		return
	}

	out, err := a.BuildAnnouncement(addrs).Pack()
	if err != nil {
		a.logger.Warn("failed to pack mdns announcement", slog.Any("error", err))
		return
	}
	if _, err := conn.WriteTo(out, dst); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("failed to send mdns announcement", slog.Any("error", err))
	}
}

// BuildAnnouncement returns an unsolicited mDNS response carrying the PTR,
// TXT, SRV and A records for addrs.
func (a *Announcer) BuildAnnouncement(addrs []net.IP) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Compress = true

	m.Answer = append(m.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: ServiceName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: a.instance,
	})
	m.Extra = append(m.Extra,
		&dns.TXT{
			Hdr: dns.RR_Header{Name: a.instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
			Txt: []string{
				"txtvers=1",
				"name=Blackmagic " + a.cfg.Name,
				"class=AtemSwitcher",
				"protocol version=0.0",
				"internal version=PROXY",
				"unique id=" + a.cfg.DeviceID,
			},
		},
		&dns.SRV{
			Hdr:    dns.RR_Header{Name: a.instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
			Port:   uint16(a.cfg.Port),
			Target: a.host,
		},
	)
	for _, ip := range addrs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		m.Extra = append(m.Extra, &dns.A{
			Hdr: dns.RR_Header{Name: a.host, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   v4,
		})
	}
	return m
}

// IsQuery reports whether msg is a query asking for ServiceName.
func IsQuery(msg *dns.Msg) bool {
	if msg.Response {
		return false
	}
	for _, q := range msg.Question {
		if strings.EqualFold(q.Name, ServiceName) {
			return true
		}
	}
	return false
}

// LocalIPv4 lists the host's non-loopback IPv4 addresses.
func LocalIPv4() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	return ips, nil
}
