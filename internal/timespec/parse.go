// Package timespec converts textual time descriptions into relative delays.
//
// Two forms are accepted:
//   - Clock "HH:MM", one or two digits each: today's date at that local
//     clock time. The delay may be zero or negative when the time has
//     already passed today; callers drop such events instead of rolling
//     them over to tomorrow.
//   - Relative "SS MM HH": seconds, minutes and hours as non-negative
//     integers. The delay does not depend on the current time, which makes it
//     the way to express "repeat every N".
package timespec

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSpec is matched by every ParseError.
var ErrInvalidSpec = errors.New("invalid time spec")

// ParseError reports a spec that matches neither form.
type ParseError struct {
	Spec   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid time spec %q: %s", e.Spec, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrInvalidSpec }

// Kind describes which form a spec uses.
type Kind int

const (
	KindInvalid Kind = iota
	KindClock
	KindRelative
)

func (k Kind) String() string {
	switch k {
	case KindClock:
		return "clock"
	case KindRelative:
		return "relative"
	default:
		return "invalid"
	}
}

var (
	reClock    = regexp.MustCompile(`^(\d{1,2}):(\d{1,2})$`)
	reRelative = regexp.MustCompile(`^(\d+)\s+(\d+)\s+(\d+)$`)
)

// KindOf reports the form of spec without validating ranges.
func KindOf(spec string) Kind {
	s := strings.TrimSpace(spec)
	switch {
	case strings.Contains(s, ":"):
		return KindClock
	case reRelative.MatchString(s):
		return KindRelative
	default:
		return KindInvalid
	}
}

// Parse returns the delay in whole seconds between now and the instant
// described by spec.
func Parse(spec string, now time.Time) (int64, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, &ParseError{Spec: spec, Reason: "empty"}
	}
	// Anything with a colon is a clock time.
	if strings.Contains(s, ":") {
		return parseClock(spec, s, now)
	}
	return parseRelative(spec, s)
}

// Duration is Parse expressed as a time.Duration.
func Duration(spec string, now time.Time) (time.Duration, error) {
	secs, err := Parse(spec, now)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func parseClock(raw, s string, now time.Time) (int64, error) {
	m := reClock.FindStringSubmatch(s)
	if m == nil {
		return 0, &ParseError{Spec: raw, Reason: "clock form must be HH:MM"}
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 {
		return 0, &ParseError{Spec: raw, Reason: "hour out of range"}
	}
	if mm > 59 {
		return 0, &ParseError{Spec: raw, Reason: "minute out of range"}
	}
	y, mo, d := now.Date()
	target := time.Date(y, mo, d, hh, mm, 0, 0, now.Location())
	return int64(math.Round(target.Sub(now).Seconds())), nil
}

func parseRelative(raw, s string) (int64, error) {
	m := reRelative.FindStringSubmatch(s)
	if m == nil {
		return 0, &ParseError{Spec: raw, Reason: `relative form must be "SS MM HH"`}
	}
	var parts [3]int64
	for i := range parts {
		v, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, &ParseError{Spec: raw, Reason: "number out of range"}
		}
		parts[i] = v
	}
	sec, mins, hours := parts[0], parts[1], parts[2]
	const maxSecs = math.MaxInt64 / int64(time.Second)
	if hours > maxSecs/3600 || mins > maxSecs/60 {
		return 0, &ParseError{Spec: raw, Reason: "delay too large"}
	}
	total := hours*3600 + mins*60
	if sec > maxSecs-total {
		return 0, &ParseError{Spec: raw, Reason: "delay too large"}
	}
	return total + sec, nil
}
