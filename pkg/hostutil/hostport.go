// Package hostutil validates network endpoints given by operators.
package hostutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrMissingPort = errors.New("missing port")
	ErrBadPort     = errors.New("port out of range 1..65535")
)

// ValidateHostPort checks a dialable "host:port". IPv6 literals must be
// bracketed.
func ValidateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return fmt.Errorf("%q: %w", addr, ErrMissingPort)
		}
		return fmt.Errorf("%q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%q: %w", addr, ErrBadPort)
	}
	return ValidateHost(host)
}

// ValidateHost accepts an IPv4 or IPv6 literal or an RFC 1123 host name.
func ValidateHost(host string) error {
	switch {
	case host == "":
		return errors.New("empty host")
	case looksLikeIPv4(host):
		if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
			return fmt.Errorf("bad IPv4 address %q", host)
		}
	case strings.Contains(host, ":"):
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return fmt.Errorf("bad IPv6 address %q", host)
		}
	default:
		if !validHostname(host) {
			return fmt.Errorf("bad host name %q", host)
		}
	}
	return nil
}

// looksLikeIPv4 reports a dotted quad of digits, valid or not.
func looksLikeIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func validHostname(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) < 1 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
