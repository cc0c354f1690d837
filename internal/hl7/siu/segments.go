package siu

import (
	"strings"

	"github.com/carewire/go-siu/internal/domain/appointment"
	"github.com/carewire/go-siu/internal/hl7/er7"
)

// Header carries the routing and identity fields of an MSH segment. The
// ingestion services key idempotency on ControlID plus the sending pair,
// and the MLLP listener echoes these fields back in its acknowledgments.
type Header struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	MessageDateTime      string
	MessageType          string // MSH-9 composite, verbatim
	TriggerEvent         string // second component of MSH-9
	ControlID            string
	ProcessingID         string
	VersionID            string
}

func headerFromMSH(seg *er7.Segment) Header {
	return Header{
		SendingApplication:   seg.Field(3),
		SendingFacility:      seg.Field(4),
		ReceivingApplication: seg.Field(5),
		ReceivingFacility:    seg.Field(6),
		MessageDateTime:      seg.Field(7),
		MessageType:          seg.Field(9),
		TriggerEvent:         seg.Component(9, 1),
		ControlID:            seg.Field(10),
		ProcessingID:         seg.Field(11),
		VersionID:            seg.Field(12),
	}
}

// schFields is the raw extraction from an SCH segment, before the datetime
// candidate has been normalized.
type schFields struct {
	appointmentID string
	start         string
	location      string
	reason        string
}

// extractSCH reads the scheduling activity segment. The filler appointment
// ID (SCH-2) identifies the appointment; the placer ID (SCH-1) is the
// fallback when the filler side never assigned one. Composite IDs keep
// only the leading component, dropping assigning-authority decoration.
func extractSCH(seg *er7.Segment) schFields {
	idField := 2
	if seg.Field(2) == "" {
		idField = 1
	}

	return schFields{
		appointmentID: seg.Component(idField, 0),
		start:         startCandidate(seg),
		location:      seg.Component(9, 0),
		reason:        reasonText(seg),
	}
}

// startCandidate scans SCH-10 and SCH-11 for the appointment start
// timestamp. Senders disagree about which field carries it and where in
// the timing-quantity composite it sits, so the first component with a
// full date's worth of digits wins. Offset-qualified values contain a
// sign and fail the all-digit test, which is why the first component of
// SCH-11 is kept as the last resort for the normalizer to judge.
func startCandidate(seg *er7.Segment) string {
	for _, n := range []int{10, 11} {
		for _, comp := range seg.Components(n) {
			if len(comp) >= 8 && allDigits(comp) {
				return comp
			}
		}
	}
	return seg.Component(11, 0)
}

// reasonText reads the appointment reason from SCH-6, falling back to
// SCH-7. Coded values keep the descriptive text component and drop the
// code; bare text is taken whole.
func reasonText(seg *er7.Segment) string {
	field := 6
	if seg.Field(6) == "" {
		field = 7
	}

	value := seg.Field(field)
	if strings.IndexByte(value, seg.Delimiters().Component) >= 0 {
		return seg.Component(field, 1)
	}
	return value
}

// pidFields is the patient demographic extraction. dob is already
// normalized to YYYY-MM-DD, or empty when PID-7 was absent or unreadable.
type pidFields struct {
	id        string
	firstName string
	lastName  string
	dob       string
	gender    string
}

// extractPID reads patient identity from a PID segment. The identifier
// list keeps only the bare ID, and the XPN name components come last name
// first on the wire. An unreadable birth date is dropped rather than
// failing the message.
func extractPID(seg *er7.Segment) pidFields {
	f := pidFields{
		id:        seg.Component(3, 0),
		lastName:  seg.Component(5, 0),
		firstName: seg.Component(5, 1),
		gender:    normalizeGender(seg.Field(8)),
	}

	if raw := seg.Field(7); raw != "" {
		if t, err := er7.ParseDate(raw); err == nil {
			f.dob = er7.FormatDate(t)
		}
	}
	return f
}

// pv1Fields is the visit extraction: the assigned location and the
// attending provider's display form.
type pv1Fields struct {
	location     string
	providerID   string
	providerName string
}

// extractPV1 reads the patient visit segment. The assigned location
// (PV1-3) components collapse into one space-joined string. The attending
// doctor (PV1-7) is preferred; the admitting doctor (PV1-17) covers feeds
// that only populate that slot.
func extractPV1(seg *er7.Segment) pv1Fields {
	f := pv1Fields{location: joinedLocation(seg)}

	doctorField := 7
	if seg.Field(7) == "" {
		doctorField = 17
	}

	f.providerID = seg.Component(doctorField, 0)
	last := seg.Component(doctorField, 1)
	first := seg.Component(doctorField, 2)
	f.providerName = displayName(first, last)
	return f
}

func joinedLocation(seg *er7.Segment) string {
	var parts []string
	for _, comp := range seg.Components(3) {
		if comp != "" {
			parts = append(parts, comp)
		}
	}
	return strings.Join(parts, " ")
}

// displayName renders a provider name for output, given-name first.
func displayName(first, last string) string {
	switch {
	case first != "" && last != "":
		return first + " " + last
	case last != "":
		return last
	default:
		return first
	}
}

// normalizeGender maps PID-8 onto the closed administrative set. Anything
// outside it collapses to unknown rather than passing through.
func normalizeGender(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	switch strings.ToUpper(v[:1]) {
	case appointment.GenderMale:
		return appointment.GenderMale
	case appointment.GenderFemale:
		return appointment.GenderFemale
	case appointment.GenderOther:
		return appointment.GenderOther
	case appointment.GenderUnknown:
		return appointment.GenderUnknown
	default:
		return appointment.GenderUnknown
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
