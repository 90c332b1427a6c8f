// Package logpath maps worklog records to their canonical archive path and back.
//
// A path is a fixed, sortable token sequence:
//
//	logs/2024-03-09.23h30m00s.60m00s.alice.6f1c2b9e-4a1d-4f0e-9d38-0b1f2c3d4e5f.txt
//
// The date and time are the zone-local wall clock of the record's END, followed
// by the duration (minutes may exceed two digits), the sanitized owner and an
// optional id suffix. Legacy paths without a duration token are still decoded.
package logpath

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Prefix is the namespace every log file lives under.
	Prefix = "logs/"

	// Ext is the trailing token of every log file name.
	Ext = "txt"

	// DefaultDuration is substituted for legacy paths that carry no duration token.
	DefaultDuration = time.Hour
)

// ErrMalformed is returned (wrapped) by Decode for any path that is not a log file.
var ErrMalformed = errors.New("malformed log path")

var (
	ownerInvalid  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	idInvalid     = regexp.MustCompile(`[^A-Za-z0-9-]`)
	dashRuns      = regexp.MustCompile(`-+`)
	dateToken     = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	timeToken     = regexp.MustCompile(`^(\d{2})h(\d{2})m(\d{2})s$`)
	durationToken = regexp.MustCompile(`^(\d{2,})m(\d{2})s$`)
)

// DecodeOptions controls how ambiguous or legacy paths are decoded.
type DecodeOptions struct {
	// DefaultDuration is used when the path has no (usable) duration token.
	DefaultDuration time.Duration

	// Location is the zone the date and time tokens were written in.
	Location *time.Location
}

// Decoded is the information recoverable from a log path.
type Decoded struct {
	Path     string
	StartAt  time.Time
	EndAt    time.Time
	Duration time.Duration
	Owner    string
	IDHint   string
	// Legacy is true when the path had no duration token.
	Legacy bool
}

// SanitizeOwner restricts an owner to [A-Za-z0-9_-] with runs of '-' collapsed.
// An empty result becomes "unknown".
func SanitizeOwner(owner string) string {
	s := strings.TrimLeft(strings.TrimSpace(owner), "@")
	if s == "" {
		return "unknown"
	}
	s = dashRuns.ReplaceAllString(ownerInvalid.ReplaceAllString(s, "-"), "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// SanitizeID drops every character outside [A-Za-z0-9-].
func SanitizeID(id string) string {
	return idInvalid.ReplaceAllString(strings.TrimSpace(id), "")
}

// FormatDuration renders a duration token such as "60m00s".
// Durations are truncated to whole seconds with a floor of one second.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 1 {
		total = 1
	}
	return fmt.Sprintf("%02dm%02ds", total/60, total%60)
}

// ParseDuration parses a duration token. ok is false for anything malformed
// or for a zero duration.
func ParseDuration(token string) (d time.Duration, ok bool) {
	m := durationToken.FindStringSubmatch(token)
	if m == nil {
		return 0, false
	}
	minutes, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	seconds, _ := strconv.Atoi(m[2])
	if seconds > 59 {
		return 0, false
	}
	d = time.Duration(minutes*60+int64(seconds)) * time.Second
	return d, d > 0
}

// Encode builds the canonical path of a record ending at endAt.
func Encode(id string, endAt time.Time, duration time.Duration, owner string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	p := PartsOf(endAt, loc)

	var b strings.Builder
	b.WriteString(Prefix)
	fmt.Fprintf(&b, "%04d-%02d-%02d.", p.Year, p.Month, p.Day)
	fmt.Fprintf(&b, "%02dh%02dm%02ds.", p.Hour, p.Minute, p.Second)
	b.WriteString(FormatDuration(duration))
	b.WriteByte('.')
	b.WriteString(SanitizeOwner(owner))
	if safe := SanitizeID(id); safe != "" {
		b.WriteByte('.')
		b.WriteString(safe)
	}
	b.WriteString("." + Ext)
	return b.String()
}

// Decode parses a log path. Any malformed path yields an error wrapping
// ErrMalformed; callers are expected to skip such entries.
func Decode(path string, opts DecodeOptions) (Decoded, error) {
	raw := strings.TrimSpace(path)
	if raw == "" {
		return Decoded{}, fmt.Errorf("%w: empty path", ErrMalformed)
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	name := raw[strings.LastIndex(raw, "/")+1:]
	tokens := strings.Split(name, ".")
	if len(tokens) < 4 {
		return Decoded{}, fmt.Errorf("%w: %q has too few tokens", ErrMalformed, name)
	}
	if tokens[len(tokens)-1] != Ext {
		return Decoded{}, fmt.Errorf("%w: %q is not a .%s file", ErrMalformed, name, Ext)
	}

	var durTok, owner, idHint string
	if len(tokens) >= 5 {
		durTok, owner = tokens[2], tokens[3]
	} else {
		owner = tokens[2]
	}
	if len(tokens) >= 6 {
		idHint = tokens[4]
	}

	dm := dateToken.FindStringSubmatch(tokens[0])
	tm := timeToken.FindStringSubmatch(tokens[1])
	if dm == nil || tm == nil || owner == "" {
		return Decoded{}, fmt.Errorf("%w: %q has a bad date, time or owner token", ErrMalformed, name)
	}

	year, _ := strconv.Atoi(dm[1])
	month, _ := strconv.Atoi(dm[2])
	day, _ := strconv.Atoi(dm[3])
	hour, _ := strconv.Atoi(tm[1])
	minute, _ := strconv.Atoi(tm[2])
	second, _ := strconv.Atoi(tm[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return Decoded{}, fmt.Errorf("%w: %q has an out of range date", ErrMalformed, name)
	}
	if hour > 23 || minute > 59 || second > 59 {
		return Decoded{}, fmt.Errorf("%w: %q has an out of range time", ErrMalformed, name)
	}

	duration, ok := ParseDuration(durTok)
	if !ok {
		duration = opts.DefaultDuration
	}

	end := ZonedTime(Parts{Year: year, Month: month, Day: day, Hour: hour, Minute: minute, Second: second}, opts.Location)
	return Decoded{
		Path:     raw,
		StartAt:  end.Add(-duration),
		EndAt:    end,
		Duration: duration,
		Owner:    owner,
		IDHint:   idHint,
		Legacy:   durTok == "",
	}, nil
}

// InNamespace reports whether path lives under the log namespace.
func InNamespace(path string) bool {
	return strings.HasPrefix(path, Prefix)
}
