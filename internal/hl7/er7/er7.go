// Package er7 provides tokenization for the HL7 v2.x ER7 wire encoding,
// the pipe-and-caret delimited text format carried by interface engines.
// It splits raw message text into segments and gives bounds-safe access to
// the field, component, and sub-component levels without ever failing on
// short or truncated input.
package er7

import (
	"strings"
)

// Default delimiter characters per the HL7 v2.x encoding rules.
const (
	DefaultFieldSeparator        = '|'
	DefaultComponentSeparator    = '^'
	DefaultRepetitionSeparator   = '~'
	DefaultEscapeCharacter       = '\\'
	DefaultSubComponentSeparator = '&'
)

// DefaultEncodingCharacters is the conventional MSH-2 value.
const DefaultEncodingCharacters = `^~\&`

// Well-known segment codes used by the scheduling trigger events.
const (
	SegmentMSH = "MSH"
	SegmentSCH = "SCH"
	SegmentPID = "PID"
	SegmentPV1 = "PV1"
)

// Delimiters holds the five delimiter characters in effect for a message.
// Real-world senders occasionally declare non-standard characters in MSH-2,
// so the set travels with every tokenized segment.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters returns the standard HL7 delimiter set (|^~\&).
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        DefaultFieldSeparator,
		Component:    DefaultComponentSeparator,
		Repetition:   DefaultRepetitionSeparator,
		Escape:       DefaultEscapeCharacter,
		SubComponent: DefaultSubComponentSeparator,
	}
}

// DetectDelimiters derives the delimiter set from the first MSH line of raw
// message text. The field separator is the character immediately after the
// segment code and the four encoding characters follow in MSH-2. Missing or
// malformed declarations fall back to the defaults position by position.
func DetectDelimiters(raw string) Delimiters {
	d := DefaultDelimiters()

	for _, line := range splitSegmentLines(raw) {
		if !strings.HasPrefix(line, SegmentMSH) || len(line) < 4 {
			continue
		}
		d.Field = line[3]

		// MSH-2 runs from the first field separator to the next.
		rest := line[4:]
		if i := strings.IndexByte(rest, d.Field); i >= 0 {
			rest = rest[:i]
		}
		if len(rest) > 0 {
			d.Component = rest[0]
		}
		if len(rest) > 1 {
			d.Repetition = rest[1]
		}
		if len(rest) > 2 {
			d.Escape = rest[2]
		}
		if len(rest) > 3 {
			d.SubComponent = rest[3]
		}
		break
	}

	return d
}

// Segment is one tokenized line of an ER7 message: a three-character type
// code plus the ordered raw fields. Access goes through the bounds-safe
// methods below; absent trailing fields read as empty strings, matching how
// senders routinely truncate segments after the last populated field.
type Segment struct {
	// Type is the segment code, e.g. "MSH", "SCH", "PID".
	Type string

	fields []string
	delims Delimiters
}

// Tokenize splits raw ER7 text into segments. Lines may be terminated by
// \r, \n, or \r\n interchangeably; blank lines are dropped; lines that do
// not open with a plausible segment code are ignored rather than failing
// the whole message.
func Tokenize(raw string) []*Segment {
	delims := DetectDelimiters(raw)

	lines := splitSegmentLines(raw)
	segments := make([]*Segment, 0, len(lines))
	for _, line := range lines {
		if !validSegmentCode(line) {
			continue
		}
		fields := strings.Split(line, string(delims.Field))
		segments = append(segments, &Segment{
			Type:   line[:3],
			fields: fields,
			delims: delims,
		})
	}

	return segments
}

// FindSegment returns the first segment with the given type code, or nil.
// When a message carries duplicate segments of one type, the first one wins
// and the rest are ignored.
func FindSegment(segments []*Segment, code string) *Segment {
	for _, s := range segments {
		if s.Type == code {
			return s
		}
	}
	return nil
}

// FindAllSegments returns every segment with the given type code in order.
func FindAllSegments(segments []*Segment, code string) []*Segment {
	var out []*Segment
	for _, s := range segments {
		if s.Type == code {
			out = append(out, s)
		}
	}
	return out
}

// Field returns field n of the segment in HL7 numbering, where field 0 is
// the segment code. Out-of-range indexes return the empty string. MSH
// counts its own field separator as MSH-1, so MSH-2 is the encoding
// characters and so on; the offset is handled here so callers use the
// numbering from the standard.
func (s *Segment) Field(n int) string {
	if n <= 0 {
		if n == 0 {
			return s.Type
		}
		return ""
	}

	idx := n
	if s.Type == SegmentMSH {
		if n == 1 {
			return string(s.delims.Field)
		}
		idx = n - 1
	}

	if idx >= len(s.fields) {
		return ""
	}
	return strings.TrimSpace(s.fields[idx])
}

// Component returns component m (zero-based) of field n, or the empty
// string when either level is absent. A field without the component
// separator is itself component 0.
func (s *Segment) Component(n, m int) string {
	return componentAt(s.Field(n), m, s.delims.Component)
}

// SubComponent returns sub-component k (zero-based) of component m of
// field n, with the same out-of-range behavior as Component.
func (s *Segment) SubComponent(n, m, k int) string {
	return componentAt(s.Component(n, m), k, s.delims.SubComponent)
}

// Components returns every component of field n, each trimmed. An empty
// field yields nil.
func (s *Segment) Components(n int) []string {
	return splitLevel(s.Field(n), s.delims.Component)
}

// Repetitions returns the repetitions of field n split on the repetition
// separator. The scheduling extraction reads only the first repetition, but
// fields like PID-3 legitimately repeat in the wild.
func (s *Segment) Repetitions(n int) []string {
	return splitLevel(s.Field(n), s.delims.Repetition)
}

// Delimiters returns the delimiter set the segment was tokenized with.
func (s *Segment) Delimiters() Delimiters {
	return s.delims
}

func componentAt(value string, idx int, sep byte) string {
	if value == "" || idx < 0 {
		return ""
	}
	parts := strings.Split(value, string(sep))
	if idx >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[idx])
}

func splitLevel(value string, sep byte) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, string(sep))
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// splitSegmentLines splits raw text on any mix of line terminators and
// drops blank lines.
func splitSegmentLines(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	lines := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// validSegmentCode reports whether the line opens with a three-character
// segment code. Codes start with an uppercase letter and may contain
// digits, which admits PV1 and the Z-segments some EMRs append.
func validSegmentCode(line string) bool {
	if len(line) < 3 {
		return false
	}
	if line[0] < 'A' || line[0] > 'Z' {
		return false
	}
	for i := 1; i < 3; i++ {
		c := line[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	// Anything after the code must be a field separator, not more word.
	return len(line) == 3 || !isAlnum(line[3])
}

func isAlnum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
