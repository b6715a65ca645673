package crmsync

import (
	"regexp"
	"strings"
)

var (
	slackIDPattern = regexp.MustCompile(`^[UW][A-Za-z0-9]{8,11}$`)
	phoneJunk      = regexp.MustCompile(`[\s\-().]`)
	e164Pattern    = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	digitsOnly     = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizeSlackID validates a raw Slack member id, tolerating a
// leading "@". It returns the cleaned id and whether it is usable.
func NormalizeSlackID(raw string) (string, bool) {
	id := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if !slackIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// NormalizePhone converts a raw phone number into E.164 where it can do
// so unambiguously. Bare 10-digit numbers are assumed to be US/Canada
// and 11-digit numbers with a leading 1 likewise. Anything else that is
// not already valid E.164 is left alone, reporting false, so the caller
// keeps the original value rather than guessing a country code.
func NormalizePhone(raw string) (string, bool) {
	stripped := phoneJunk.ReplaceAllString(strings.TrimSpace(raw), "")
	if strings.HasPrefix(stripped, "+") {
		if e164Pattern.MatchString(stripped) {
			return stripped, true
		}
		return "", false
	}
	if !digitsOnly.MatchString(stripped) {
		return "", false
	}
	switch {
	case len(stripped) == 10:
		return "+1" + stripped, true
	case len(stripped) == 11 && stripped[0] == '1':
		return "+" + stripped, true
	}
	return "", false
}
