package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authwatch/internal/model"
)

var parseReceivedAt = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

func TestParseFailedPassword(t *testing.T) {
	p := NewParser()

	event, err := p.Parse(
		"Mar 14 22:10:05 bastion sshd[1234]: Failed password for root from 203.0.113.9 port 51234 ssh2",
		parseReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeFailure, event.Outcome)
	assert.Equal(t, "root", event.Username)
	assert.Equal(t, "203.0.113.9", event.Address)
	assert.Equal(t, 51234, event.Port)
	assert.Equal(t, "password", event.AuthMethod)
	assert.Equal(t, "bastion", event.TargetHost)
	assert.Equal(t, model.StatusPending, event.Status)
	assert.Equal(t, time.Date(2026, time.March, 14, 22, 10, 5, 0, time.UTC), event.Timestamp)
}

func TestParseFailedPasswordInvalidUser(t *testing.T) {
	p := NewParser()

	event, err := p.Parse(
		"Mar 14 22:10:05 bastion sshd[1234]: Failed password for invalid user admin from 198.51.100.7 port 40022 ssh2",
		parseReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeInvalidUser, event.Outcome)
	assert.Equal(t, "admin", event.Username)
	assert.Equal(t, "198.51.100.7", event.Address)
}

func TestParseAcceptedAuth(t *testing.T) {
	p := NewParser()

	cases := []struct {
		line   string
		method string
	}{
		{"Mar 14 08:00:00 web1 sshd[99]: Accepted password for deploy from 192.0.2.10 port 2222 ssh2", "password"},
		{"Mar 14 08:00:00 web1 sshd[99]: Accepted publickey for deploy from 192.0.2.10 port 2222 ssh2: ED25519 SHA256:abc", "publickey"},
		{"Mar 14 08:00:00 web1 sshd[99]: Accepted keyboard-interactive/pam for deploy from 192.0.2.10 port 2222 ssh2", "keyboard-interactive/pam"},
	}
	for _, tc := range cases {
		event, err := p.Parse(tc.line, parseReceivedAt)
		require.NoError(t, err, tc.line)
		assert.Equal(t, model.OutcomeSuccess, event.Outcome)
		assert.Equal(t, tc.method, event.AuthMethod)
		assert.Equal(t, "deploy", event.Username)
	}
}

func TestParseInvalidUser(t *testing.T) {
	p := NewParser()

	event, err := p.Parse(
		"Mar 14 03:12:44 bastion sshd[77]: Invalid user oracle from 203.0.113.50 port 33001",
		parseReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeInvalidUser, event.Outcome)
	assert.Equal(t, "oracle", event.Username)
	assert.Equal(t, 33001, event.Port)

	// Older sshd omits the port.
	event, err = p.Parse(
		"Mar 14 03:12:44 bastion sshd[77]: Invalid user oracle from 203.0.113.50",
		parseReceivedAt)
	require.NoError(t, err)
	assert.Equal(t, 0, event.Port)
}

func TestParsePreauthDisconnect(t *testing.T) {
	p := NewParser()

	lines := []string{
		"Mar 14 03:12:45 bastion sshd[77]: Received disconnect from 203.0.113.50 port 33001:11: Bye Bye [preauth]",
		"Mar 14 03:12:45 bastion sshd[77]: Disconnected from 203.0.113.50 port 33001 [preauth]",
		"Mar 14 03:12:45 bastion sshd[77]: Disconnected from invalid user admin 203.0.113.50 port 33001 [preauth]",
		"Mar 14 03:12:45 bastion sshd[77]: Disconnected from authenticating user root 203.0.113.50 port 33001 [preauth]",
	}
	for _, line := range lines {
		event, err := p.Parse(line, parseReceivedAt)
		require.NoError(t, err, line)
		assert.Equal(t, model.OutcomeDisconnect, event.Outcome)
		assert.Equal(t, "203.0.113.50", event.Address)
	}
}

func TestParsePamAuthFailure(t *testing.T) {
	p := NewParser()

	event, err := p.Parse(
		"Mar 14 03:12:44 bastion sshd[77]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=198.51.100.77 user=git",
		parseReceivedAt)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeFailure, event.Outcome)
	assert.Equal(t, "198.51.100.77", event.Address)
	assert.Equal(t, "git", event.Username)

	// rhost without user (pre-auth probing).
	event, err = p.Parse(
		"Mar 14 03:12:44 bastion sshd[77]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=198.51.100.77",
		parseReceivedAt)
	require.NoError(t, err)
	assert.Equal(t, "", event.Username)
}

func TestParseIPv6Address(t *testing.T) {
	p := NewParser()

	event, err := p.Parse(
		"Mar 14 22:10:05 bastion sshd[1234]: Failed password for root from 2001:db8::6a port 51234 ssh2",
		parseReceivedAt)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::6a", event.Address)
}

func TestParseRejectsIrrelevantLines(t *testing.T) {
	p := NewParser()

	lines := []string{
		"",
		"   ",
		"not a syslog line at all",
		"Mar 14 22:10:05 bastion cron[5]: (root) CMD (run-parts /etc/cron.hourly)",
		"Mar 14 22:10:05 bastion sshd[1234]: Server listening on 0.0.0.0 port 22.",
		// Failure line with a garbage source address.
		"Mar 14 22:10:05 bastion sshd[1234]: Failed password for root from not-an-ip port 51234 ssh2",
	}
	for _, line := range lines {
		_, err := p.Parse(line, parseReceivedAt)
		assert.Error(t, err, "line %q must not parse", line)
	}
}

func TestParseYearRollover(t *testing.T) {
	p := NewParser()
	received := time.Date(2026, time.January, 1, 0, 30, 0, 0, time.UTC)

	// A December timestamp arriving on January 1st belongs to last year.
	event, err := p.Parse(
		"Dec 31 23:59:58 bastion sshd[1]: Failed password for root from 203.0.113.9 port 22 ssh2",
		received)
	require.NoError(t, err)
	assert.Equal(t, 2025, event.Timestamp.Year())

	// A same-day timestamp stays in the current year.
	event, err = p.Parse(
		"Jan  1 00:10:00 bastion sshd[1]: Failed password for root from 203.0.113.9 port 22 ssh2",
		received)
	require.NoError(t, err)
	assert.Equal(t, 2026, event.Timestamp.Year())
}
