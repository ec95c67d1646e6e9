package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// durationTokenRe matches one "<number><unit>" token, unit in {h, m}.
// A sequence of tokens combines, so "1h30m" parses the same as separate
// "1h" + "30m" calls.
var durationTokenRe = regexp.MustCompile(`(\d+)(h|m)`)

// ParsePauseDuration parses the "/pause [NmNh|indefinite]" argument into
// milliseconds. An empty string or "indefinite" yields (0, true) for "no
// expiry"; anything else is parsed as a sequence of NhNm tokens.
func ParsePauseDuration(raw string) (ms int64, indefinite bool, err error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" || trimmed == "indefinite" {
		return 0, true, nil
	}
	matches := durationTokenRe.FindAllStringSubmatch(trimmed, -1)
	if matches == nil {
		return 0, false, fmt.Errorf("command: invalid pause duration %q (expected NmNh or 'indefinite')", raw)
	}
	consumed := 0
	var total int64
	for _, m := range matches {
		consumed += len(m[0])
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("command: invalid pause duration %q: %w", raw, err)
		}
		switch m[2] {
		case "h":
			total += n * 3_600_000
		case "m":
			total += n * 60_000
		}
	}
	if consumed != len(trimmed) {
		return 0, false, fmt.Errorf("command: invalid pause duration %q", raw)
	}
	if total <= 0 {
		return 0, false, fmt.Errorf("command: pause duration %q must be positive", raw)
	}
	return total, false, nil
}
