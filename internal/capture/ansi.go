package capture

import "regexp"

// FFmpeg and streamlink color their stderr; strip escape codes before the
// lines go into event payloads.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

func StripANSI(line string) string {
	return ansiPattern.ReplaceAllString(line, "")
}
