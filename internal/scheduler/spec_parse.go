package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseEvery parses an evaluation interval.
//
// Supported forms:
//   - Go duration: "60s", "5m", "1m30s"
//   - HH:MM: "00:05" (5 minutes), "01:30" (90 minutes)
//
// Optional prefixes "interval:" and "every:" are accepted and ignored.
func ParseEvery(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}
	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return 0, fmt.Errorf("invalid interval %q: cron expressions are not intervals", raw)
	}
	d, _, err := parseInterval(s)
	return d, err
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '60s'/'5m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("invalid HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, "", fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "hhmm", nil
}
