// Package siu parses HL7 v2.x SIU^S12 scheduling notifications into
// structured appointment records. It accepts raw ER7 text, extracts the
// MSH, SCH, PID, and PV1 segments through the er7 tokenizer, and produces
// appointment.Appointment values ready for JSON output or persistence.
//
// Messages of any other type are rejected. Failures use the closed
// ParseError taxonomy in this package, and multi-message input can be
// parsed eagerly with ParseFile or incrementally with Stream.
package siu

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/carewire/go-siu/internal/domain/appointment"
	"github.com/carewire/go-siu/internal/hl7/er7"
)

// SupportedMessageType is the only message type this parser accepts.
const SupportedMessageType = "SIU^S12"

// Config holds parser configuration.
type Config struct {
	// ContinueOnError makes multi-message parsing skip messages that fail
	// and report them as failures instead of stopping at the first one.
	ContinueOnError bool
}

// DefaultConfig returns sensible defaults. Batch parsing stops at the
// first failing message unless the caller opts into continuing.
func DefaultConfig() Config {
	return Config{
		ContinueOnError: false,
	}
}

// Parser turns SIU^S12 message text into appointment records.
type Parser struct {
	config Config
	logger *zap.Logger
}

// New creates a new parser.
func New(cfg Config, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{config: cfg, logger: logger}
}

// Result carries the appointment built from one message together with the
// MSH routing fields that services key idempotency and acknowledgments on.
type Result struct {
	Appointment *appointment.Appointment
	Header      Header
}

// MessageFailure records one message in a multi-message input that could
// not be parsed. Index is the 1-based position of the message in the
// input, counting failed messages too.
type MessageFailure struct {
	Index int
	Err   error
}

func (f MessageFailure) String() string {
	return fmt.Sprintf("message %d: %v", f.Index, f.Err)
}

// ParseMessage parses a single SIU^S12 message. Absent optional segments
// narrow the output rather than failing it: a message without PID has no
// patient, one without PV1 has no provider. Required data is the MSH
// header, the supported message type, and an SCH segment carrying an
// appointment ID and start timestamp.
func (p *Parser) ParseMessage(raw string) (*Result, error) {
	segments := er7.Tokenize(raw)
	if len(segments) == 0 {
		return nil, invalidFormat("message is empty or contains no segments")
	}

	msh := er7.FindSegment(segments, er7.SegmentMSH)
	if msh == nil {
		return nil, invalidFormat("message has no MSH header segment")
	}
	header := headerFromMSH(msh)

	if err := validateMessageType(msh); err != nil {
		return nil, err
	}

	sch := er7.FindSegment(segments, er7.SegmentSCH)
	if sch == nil {
		return nil, missingSegment(er7.SegmentSCH)
	}
	schData := extractSCH(sch)

	if schData.appointmentID == "" {
		return nil, malformedSegment(er7.SegmentSCH, "missing appointment ID")
	}
	if schData.start == "" {
		return nil, malformedSegment(er7.SegmentSCH, "missing or invalid appointment datetime")
	}
	start, err := er7.ParseTimestamp(schData.start)
	if err != nil {
		return nil, &ParseError{
			Kind:    KindMalformedSegment,
			Segment: er7.SegmentSCH,
			Reason:  "missing or invalid appointment datetime",
			Cause:   err,
		}
	}

	appt := &appointment.Appointment{
		AppointmentID:       schData.appointmentID,
		AppointmentDateTime: er7.FormatTimestamp(start),
		Location:            schData.location,
		Reason:              schData.reason,
	}

	if pid := er7.FindSegment(segments, er7.SegmentPID); pid != nil {
		if patient := buildPatient(extractPID(pid)); patient != nil {
			appt.Patient = patient
		}
	}

	if pv1 := er7.FindSegment(segments, er7.SegmentPV1); pv1 != nil {
		visit := extractPV1(pv1)
		if provider := buildProvider(visit); provider != nil {
			appt.Provider = provider
		}
		if appt.Location == "" {
			appt.Location = visit.location
		}
	}

	return &Result{Appointment: appt, Header: header}, nil
}

// ParseFile parses input that may hold several messages, split on MSH
// headers and blank lines. By default the first failing message aborts
// the whole parse with its 1-based position wrapped around the cause.
// With ContinueOnError set, failed messages are collected as
// MessageFailure values and the rest still parse.
func (p *Parser) ParseFile(content string) ([]*appointment.Appointment, []MessageFailure, error) {
	messages := SplitMessages(content)
	if len(messages) == 0 {
		return nil, nil, invalidFormat("input contains no messages")
	}

	appointments := make([]*appointment.Appointment, 0, len(messages))
	var failures []MessageFailure
	for i, msg := range messages {
		res, err := p.ParseMessage(msg)
		if err != nil {
			if !p.config.ContinueOnError {
				return nil, nil, fmt.Errorf("message %d: %w", i+1, err)
			}
			failures = append(failures, MessageFailure{Index: i + 1, Err: err})
			p.logger.Warn("skipping unparseable message",
				zap.Int("message_index", i+1),
				zap.Error(err))
			continue
		}
		appointments = append(appointments, res.Appointment)
	}

	p.logger.Debug("batch parse finished",
		zap.Int("messages", len(messages)),
		zap.Int("parsed", len(appointments)),
		zap.Int("failed", len(failures)))
	return appointments, failures, nil
}

// ReadHeader extracts MSH routing fields without requiring a parseable
// appointment, so acknowledgments can still correlate to the control ID
// of a message that failed parsing. The second return is false when the
// input has no MSH segment at all.
func ReadHeader(raw string) (Header, bool) {
	msh := er7.FindSegment(er7.Tokenize(raw), er7.SegmentMSH)
	if msh == nil {
		return Header{}, false
	}
	return headerFromMSH(msh), true
}

// SplitMessages splits feed content into individual message chunks. A new
// MSH header starts a message and a blank line ends one, so both packed
// and blank-line-separated feeds come apart the same way. Line endings
// may be CR, LF, or CRLF in any mix.
func SplitMessages(content string) []string {
	normalized := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(content)

	var messages []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			messages = append(messages, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case isMessageStart(line):
			flush()
			current = append(current, line)
		default:
			current = append(current, line)
		}
	}
	flush()

	return messages
}

// validateMessageType checks MSH-9 against the supported type. The first
// two components are compared case-insensitively and any trailing message
// structure component is ignored, so SIU^S12^SIU_S12 passes. The rejected
// composite is reported verbatim.
func validateMessageType(msh *er7.Segment) error {
	code := strings.ToUpper(msh.Component(9, 0))
	trigger := strings.ToUpper(msh.Component(9, 1))
	if code == "SIU" && trigger == "S12" {
		return nil
	}
	return invalidMessageType(msh.Field(9))
}

// buildPatient assembles the patient aggregate, or nil when the segment
// had neither an identifier nor a family name to anchor a patient on. A
// missing ID on an otherwise usable patient gets the placeholder rather
// than an empty string.
func buildPatient(f pidFields) *appointment.Patient {
	if f.id == "" && f.lastName == "" {
		return nil
	}

	patient := &appointment.Patient{
		ID:        f.id,
		FirstName: f.firstName,
		LastName:  f.lastName,
		DOB:       f.dob,
		Gender:    f.gender,
	}
	if patient.ID == "" {
		patient.ID = appointment.UnknownID
	}
	return patient
}

// buildProvider assembles the provider aggregate, or nil when the visit
// segment named nobody. Partial extractions fall back to placeholders so
// downstream consumers never see empty identity fields.
func buildProvider(f pv1Fields) *appointment.Provider {
	if f.providerID == "" && f.providerName == "" {
		return nil
	}

	provider := &appointment.Provider{
		ID:   f.providerID,
		Name: f.providerName,
	}
	if provider.ID == "" {
		provider.ID = appointment.UnknownID
	}
	if provider.Name == "" {
		provider.Name = appointment.UnknownProviderName
	}
	return provider
}

// isMessageStart reports whether a line opens a new message. The check
// accepts any field separator after the MSH code, not just the usual
// pipe, since MSH-1 is whatever byte follows the code.
func isMessageStart(line string) bool {
	if len(line) < 4 || !strings.HasPrefix(line, er7.SegmentMSH) {
		return false
	}
	c := line[3]
	return !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
