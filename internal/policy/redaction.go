package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var tokenParamPattern = regexp.MustCompile(`(?i)^(token|sig|signature|auth|key|api[_-]?key|hdnea|hmac)$`)

// RedactStreamURL masks credentials embedded in resolved stream URLs
// before they reach logs or event payloads. HLS URLs from streamlink
// routinely carry signed tokens in the query string.
func RedactStreamURL(raw string) (redacted string, changed bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return raw, false
	}

	if u.User != nil {
		u.User = url.User("REDACTED")
		changed = true
	}

	q := u.Query()
	for name := range q {
		if tokenParamPattern.MatchString(name) {
			q.Set(name, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String(), changed
}

// RedactLine masks anything URL-shaped with credentials inside a free-form
// subprocess log line.
func RedactLine(line string) string {
	fields := strings.Fields(line)
	changed := false
	for i, f := range fields {
		if !strings.HasPrefix(f, "http://") && !strings.HasPrefix(f, "https://") {
			continue
		}
		if red, ok := RedactStreamURL(f); ok {
			fields[i] = red
			changed = true
		}
	}
	if !changed {
		return line
	}
	return strings.Join(fields, " ")
}
