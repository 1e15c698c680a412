// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"time"
)

// SyslogConfig configures forwarding of log records to a remote syslog
// collector over UDP or TCP.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns syslog forwarding disabled, with the same
// defaults NewSyslogWriter would otherwise fill in.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "flywall",
		Facility: 1,
	}
}

// syslogWriter forwards writes to a remote syslog collector as RFC 3164
// style datagrams/streams.
type syslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
}

// NewSyslogWriter dials a remote syslog collector described by cfg. Host is
// required; Port, Protocol and Tag are defaulted when left empty.
func NewSyslogWriter(cfg SyslogConfig) (*syslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "flywall"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s: %w", addr, err)
	}

	return &syslogWriter{conn: conn, tag: cfg.Tag, facility: cfg.Facility}, nil
}

// Write implements io.Writer, framing p as a single RFC 3164 message.
func (w *syslogWriter) Write(p []byte) (int, error) {
	priority := w.facility*8 + 6 // informational severity
	msg := fmt.Sprintf("<%d>%s %s: %s", priority, time.Now().Format(time.Stamp), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (w *syslogWriter) Close() error {
	return w.conn.Close()
}
