package agent

import "strings"

// authMarkers are the substrings that identify auth activity worth
// shipping. Kept in sync with the server-side line parsers.
var authMarkers = []string{
	"Failed password",
	"Failed publickey",
	"Accepted password",
	"Accepted publickey",
	"Accepted keyboard-interactive",
	"Invalid user",
	"Received disconnect from",
	"Disconnected from",
	"authentication failure",
}

// AuthLineFilter is the cheap pre-filter applied before batching: only
// sshd lines carrying an auth marker are shipped, which bounds volume
// on hosts whose auth log mixes in unrelated traffic.
func AuthLineFilter(text string) bool {
	if !strings.Contains(text, "sshd") {
		return false
	}
	for _, marker := range authMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
