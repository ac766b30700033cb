package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

// syslogPrefix matches the classic "Jan  2 15:04:05 host sshd[pid]:"
// preamble shared by every line sshd writes through syslog.
var syslogPrefix = regexp.MustCompile(
	`^([A-Z][a-z]{2}\s+\d{1,2}\s\d{2}:\d{2}:\d{2})\s+(\S+)\s+sshd\[\d+\]:\s+(.*)$`)

// matcher binds one message pattern to its extraction. Matchers are
// tried in order and the first match wins, so the more specific
// patterns (invalid user) come before the general ones.
type matcher struct {
	name    string
	pattern *regexp.Regexp
	extract func(groups []string, event *model.AuthEvent)
}

var matchers = []matcher{
	{
		name: "failed_password_invalid_user",
		pattern: regexp.MustCompile(
			`^Failed (password|publickey) for invalid user (\S+) from (\S+) port (\d+)`),
		extract: func(g []string, e *model.AuthEvent) {
			e.AuthMethod = g[1]
			e.Username = g[2]
			e.Address = g[3]
			e.Port = atoiSafe(g[4])
			e.Outcome = model.OutcomeInvalidUser
		},
	},
	{
		name: "failed_password",
		pattern: regexp.MustCompile(
			`^Failed (password|publickey) for (\S+) from (\S+) port (\d+)`),
		extract: func(g []string, e *model.AuthEvent) {
			e.AuthMethod = g[1]
			e.Username = g[2]
			e.Address = g[3]
			e.Port = atoiSafe(g[4])
			e.Outcome = model.OutcomeFailure
		},
	},
	{
		name: "accepted_auth",
		pattern: regexp.MustCompile(
			`^Accepted (password|publickey|keyboard-interactive/pam) for (\S+) from (\S+) port (\d+)`),
		extract: func(g []string, e *model.AuthEvent) {
			e.AuthMethod = g[1]
			e.Username = g[2]
			e.Address = g[3]
			e.Port = atoiSafe(g[4])
			e.Outcome = model.OutcomeSuccess
		},
	},
	{
		name: "invalid_user",
		pattern: regexp.MustCompile(
			`^Invalid user (\S*)\s*from (\S+)(?: port (\d+))?`),
		extract: func(g []string, e *model.AuthEvent) {
			e.Username = g[1]
			e.Address = g[2]
			if g[3] != "" {
				e.Port = atoiSafe(g[3])
			}
			e.Outcome = model.OutcomeInvalidUser
		},
	},
	{
		name: "preauth_disconnect",
		pattern: regexp.MustCompile(
			`^(?:Received disconnect from|Disconnected from(?: invalid user \S+| authenticating user \S+)?) (\S+) port (\d+).*\[preauth\]`),
		extract: func(g []string, e *model.AuthEvent) {
			e.Address = g[1]
			e.Port = atoiSafe(g[2])
			e.Outcome = model.OutcomeDisconnect
		},
	},
	{
		name: "pam_auth_failure",
		pattern: regexp.MustCompile(
			`^pam_unix\(sshd:auth\): authentication failure;.*rhost=(\S+)(?:\s+user=(\S+))?`),
		extract: func(g []string, e *model.AuthEvent) {
			e.Address = g[1]
			e.Username = g[2]
			e.AuthMethod = "password"
			e.Outcome = model.OutcomeFailure
		},
	},
}

// Parser turns raw sshd log lines into AuthEvents. It is stateless and
// safe for concurrent use.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse extracts one AuthEvent from a raw line. Lines that are not an
// authentication-relevant sshd message return an error; the caller
// counts them as failures without failing the batch.
func (p *Parser) Parse(line string, receivedAt time.Time) (*model.AuthEvent, error) {
	line = util.SanitizeLine(line)
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("empty line")
	}

	prefix := syslogPrefix.FindStringSubmatch(line)
	if prefix == nil {
		return nil, fmt.Errorf("line does not match sshd syslog format")
	}

	ts, err := parseSyslogTime(prefix[1], receivedAt)
	if err != nil {
		return nil, fmt.Errorf("bad syslog timestamp: %w", err)
	}

	host := prefix[2]
	message := prefix[3]

	for _, m := range matchers {
		groups := m.pattern.FindStringSubmatch(message)
		if groups == nil {
			continue
		}

		event := &model.AuthEvent{
			TargetHost: host,
			Timestamp:  ts,
			RawLine:    line,
			Status:     model.StatusPending,
		}
		m.extract(groups, event)
		event.Username = util.SanitizeUsername(event.Username)

		if !util.ValidAddress(event.Address) {
			return nil, fmt.Errorf("unparsable source address %q", event.Address)
		}
		return event, nil
	}

	return nil, fmt.Errorf("no pattern matched sshd message")
}

// parseSyslogTime resolves the year-less syslog timestamp against the
// receive time. A timestamp that would land in the future is assumed to
// be from the previous year (log lines arriving just after new year).
func parseSyslogTime(value string, receivedAt time.Time) (time.Time, error) {
	parsed, err := time.Parse("Jan _2 15:04:05", value)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Date(receivedAt.Year(), parsed.Month(), parsed.Day(),
		parsed.Hour(), parsed.Minute(), parsed.Second(), 0, receivedAt.Location())
	if ts.After(receivedAt.Add(24 * time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts.UTC(), nil
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
