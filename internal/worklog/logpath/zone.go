package logpath

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// maxZoneIterations bounds the correction loop in ZonedTime.
const maxZoneIterations = 4

// Parts are wall-clock fields in some zone.
type Parts struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// PartsOf returns the wall-clock fields of t in loc.
func PartsOf(t time.Time, loc *time.Location) Parts {
	lt := t.In(loc)
	return Parts{
		Year:   lt.Year(),
		Month:  int(lt.Month()),
		Day:    lt.Day(),
		Hour:   lt.Hour(),
		Minute: lt.Minute(),
		Second: lt.Second(),
	}
}

// asUTC interprets p as if it were a UTC wall clock.
func (p Parts) asUTC() time.Time {
	return time.Date(p.Year, time.Month(p.Month), p.Day, p.Hour, p.Minute, p.Second, 0, time.UTC)
}

// ZonedTime converts wall-clock fields in loc to an absolute instant.
//
// It guesses the instant as if the fields were UTC, formats the guess back in
// loc and shifts by the residual, repeating until the residual is zero or the
// iteration bound is hit. Across a transition the second pass picks up the
// offset on the far side. Wall clocks that do not exist in loc (inside a
// spring-forward gap) settle on the nearest guess.
func ZonedTime(p Parts, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	want := p.asUTC()
	guess := want
	for i := 0; i < maxZoneIterations; i++ {
		diff := want.Sub(PartsOf(guess, loc).asUTC())
		if diff == 0 {
			break
		}
		guess = guess.Add(diff)
	}
	return guess
}

// ResolveLocation loads an IANA zone by name. Unknown or empty names fall back
// to fallback, and to UTC when fallback is nil.
func ResolveLocation(name string, fallback *time.Location) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if fallback != nil {
		return fallback
	}
	return time.UTC
}

// ContentHash is the lowercase hex sha256 of a record's text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
