package er7

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Timestamp layouts by digit count. HL7 TS values carry a mandatory date
// and progressively optional time-of-day precision.
const (
	layoutSecond = "20060102150405"
	layoutMinute = "200601021504"
	layoutHour   = "2006010215"
	layoutDate   = "20060102"
)

var (
	// ErrEmptyTimestamp reports a blank TS value.
	ErrEmptyTimestamp = errors.New("empty timestamp")
	// ErrShortTimestamp reports a TS value without a full 8-digit date.
	ErrShortTimestamp = errors.New("timestamp shorter than a full date")
	// ErrInvalidTimestamp reports non-digit or out-of-range date or time
	// fields. The offending value is deliberately not included.
	ErrInvalidTimestamp = errors.New("timestamp date or time digits are invalid")
)

// ParseTimestamp parses an HL7 TS value into a UTC instant. Accepted shapes
// are YYYYMMDD, YYYYMMDDHHMM, and YYYYMMDDHHMMSS, optionally followed by a
// fractional-seconds suffix and a signed 4-digit zone offset. Missing
// time-of-day components default to zero. A declared offset is applied:
// the clock value is shifted by the offset to produce the UTC instant. With
// no offset the clock value is taken verbatim as already UTC. Sub-second
// precision is discarded.
//
// Values with fewer than 8 leading digits, non-digits in the date portion,
// impossible calendar dates, or a garbled offset are rejected. Error text
// never echoes the input value because upstream fields can carry whatever a
// sending system put there.
func ParseTimestamp(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, ErrEmptyTimestamp
	}

	base, offset, err := splitZoneOffset(v)
	if err != nil {
		return time.Time{}, err
	}

	// Fractional seconds attach to the clock value, never to the offset.
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}

	if len(base) < 8 {
		return time.Time{}, ErrShortTimestamp
	}

	var layout string
	switch {
	case len(base) >= 14:
		layout, base = layoutSecond, base[:14]
	case len(base) >= 12:
		layout, base = layoutMinute, base[:12]
	case len(base) >= 10:
		layout, base = layoutHour, base[:10]
	default:
		layout, base = layoutDate, base[:8]
	}

	t, err := time.Parse(layout, base)
	if err != nil {
		return time.Time{}, ErrInvalidTimestamp
	}

	// local = UTC + offset, so subtracting the offset yields UTC.
	return t.Add(-offset), nil
}

// ParseDate parses a date-only HL7 DT value (YYYYMMDD), tolerating trailing
// time-of-day digits by reading just the date portion.
func ParseDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, ErrEmptyTimestamp
	}
	if len(v) < 8 {
		return time.Time{}, ErrShortTimestamp
	}

	t, err := time.Parse(layoutDate, v[:8])
	if err != nil {
		return time.Time{}, ErrInvalidTimestamp
	}
	return t, nil
}

// FormatTimestamp renders t in the normalized UTC form used by all output,
// YYYY-MM-DDTHH:MM:SSZ.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// FormatDate renders t as a calendar date, YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// splitZoneOffset separates a trailing ±HHMM zone declaration from the
// clock digits. A sign inside the first 8 characters belongs to the date
// portion and is left in place for the digit validation to reject.
func splitZoneOffset(v string) (string, time.Duration, error) {
	i := strings.LastIndexAny(v, "+-")
	if i < 8 {
		return v, 0, nil
	}

	base, zone := v[:i], v[i:]
	if len(zone) != 5 {
		return "", 0, errors.New("zone offset must be a signed 4-digit HHMM value")
	}

	hh, err1 := strconv.Atoi(zone[1:3])
	mm, err2 := strconv.Atoi(zone[3:5])
	if err1 != nil || err2 != nil || hh > 23 || mm > 59 {
		return "", 0, errors.New("zone offset must be a signed 4-digit HHMM value")
	}

	offset := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if zone[0] == '-' {
		offset = -offset
	}
	return base, offset, nil
}
