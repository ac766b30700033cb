package util

import (
	"net"
	"strings"
)

// ValidAddress reports whether s parses as an IPv4 or IPv6 address.
func ValidAddress(s string) bool {
	return net.ParseIP(strings.TrimSpace(s)) != nil
}

// SanitizeLine strips control characters from a raw log line so that
// hostile log content cannot corrupt downstream storage or terminals.
func SanitizeLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// SanitizeUsername trims a parsed username and caps its length; sshd
// accepts arbitrarily long garbage usernames during probing.
func SanitizeUsername(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}
