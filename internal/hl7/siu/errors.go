package siu

import "fmt"

// ErrorKind discriminates the closed set of parse failures. Every error the
// parser produces for a message is a *ParseError carrying exactly one kind,
// so callers branch on the kind instead of matching error text.
type ErrorKind string

const (
	// KindInvalidFormat reports input that is not usable HL7 at all: empty
	// input, no recognizable segments, or no MSH header to anchor on.
	KindInvalidFormat ErrorKind = "invalid_hl7_format"
	// KindInvalidMessageType reports a structurally valid message of a type
	// other than SIU^S12.
	KindInvalidMessageType ErrorKind = "invalid_message_type"
	// KindMissingSegment reports a required segment absent from the message.
	KindMissingSegment ErrorKind = "missing_segment"
	// KindMalformedSegment reports a required segment that is present but
	// lacks data the appointment cannot be built without.
	KindMalformedSegment ErrorKind = "malformed_segment"
)

// ParseError describes why a message was rejected. Reasons are fixed
// descriptions rather than excerpts: scheduling feeds carry patient
// identifiers, so field content never appears in error text. The message
// type composite is the one exception, carried verbatim in Actual because
// it is routing metadata, not patient data.
type ParseError struct {
	Kind     ErrorKind
	Segment  string // segment code, missing and malformed kinds only
	Reason   string
	Expected string // supported message type, invalid-type kind only
	Actual   string // received message type, invalid-type kind only
	Cause    error
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case KindInvalidMessageType:
		return fmt.Sprintf("invalid message type: expected %q, got %q", e.Expected, e.Actual)
	case KindMissingSegment:
		return fmt.Sprintf("required segment %s is missing", e.Segment)
	case KindMalformedSegment:
		return fmt.Sprintf("malformed %s segment: %s", e.Segment, e.Reason)
	default:
		return fmt.Sprintf("invalid HL7 format: %s", e.Reason)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

func invalidFormat(reason string) *ParseError {
	return &ParseError{Kind: KindInvalidFormat, Reason: reason}
}

func invalidMessageType(actual string) *ParseError {
	return &ParseError{Kind: KindInvalidMessageType, Expected: SupportedMessageType, Actual: actual}
}

func missingSegment(segment string) *ParseError {
	return &ParseError{Kind: KindMissingSegment, Segment: segment}
}

func malformedSegment(segment, reason string) *ParseError {
	return &ParseError{Kind: KindMalformedSegment, Segment: segment, Reason: reason}
}
