package siu

import (
	"errors"
	"strings"
	"testing"

	"github.com/carewire/go-siu/internal/hl7/er7"
)

const validMessage = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20250501120000||SIU^S12|MSG0001|P|2.5\n" +
	"SCH|123456|456789|||||Consultation||Clinic A||20250502130000\n" +
	"PID|1||PAT12345||Doe^John||19800115|M\n" +
	"PV1|1|O|Clinic A^Room 203||||D67890^Smith^Dr"

// siuMessage builds a minimal valid message for multi-message tests.
func siuMessage(controlID, appointmentID, patientID string) string {
	return "MSH|^~\\&|APP|FAC|RECV|RFAC|20250501120000||SIU^S12|" + controlID + "|P|2.5\n" +
		"SCH|" + appointmentID + "||||||Checkup||||20250502130000\n" +
		"PID|1||" + patientID + "||Doe^Jane||19900101|F"
}

func parseKind(t *testing.T, err error) *ParseError {
	t.Helper()
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	return pe
}

func TestParseMessage(t *testing.T) {
	p := New(DefaultConfig(), nil)
	res, err := p.ParseMessage(validMessage)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	appt := res.Appointment
	if appt.AppointmentID != "456789" {
		t.Errorf("expected filler appointment ID 456789, got %q", appt.AppointmentID)
	}
	if appt.AppointmentDateTime != "2025-05-02T13:00:00Z" {
		t.Errorf("expected normalized datetime, got %q", appt.AppointmentDateTime)
	}
	if appt.Location != "Clinic A" {
		t.Errorf("expected SCH location to win, got %q", appt.Location)
	}
	if appt.Reason != "Consultation" {
		t.Errorf("expected reason Consultation, got %q", appt.Reason)
	}

	if appt.Patient == nil {
		t.Fatal("expected patient")
	}
	if appt.Patient.ID != "PAT12345" {
		t.Errorf("patient ID: got %q", appt.Patient.ID)
	}
	if appt.Patient.FirstName != "John" || appt.Patient.LastName != "Doe" {
		t.Errorf("patient name: got %q %q", appt.Patient.FirstName, appt.Patient.LastName)
	}
	if appt.Patient.DOB != "1980-01-15" {
		t.Errorf("patient DOB: got %q", appt.Patient.DOB)
	}
	if appt.Patient.Gender != "M" {
		t.Errorf("patient gender: got %q", appt.Patient.Gender)
	}

	if appt.Provider == nil {
		t.Fatal("expected provider")
	}
	if appt.Provider.ID != "D67890" {
		t.Errorf("provider ID: got %q", appt.Provider.ID)
	}
	if appt.Provider.Name != "Dr Smith" {
		t.Errorf("provider name: got %q", appt.Provider.Name)
	}
}

func TestAppointmentIDSelection(t *testing.T) {
	cases := []struct {
		name string
		sch  string
		want string
	}{
		{"filler preferred", "SCH|PLACER1|FILLER1||||||||20250502130000", "FILLER1"},
		{"placer fallback", "SCH|PLACER123|||||||||20250502130000", "PLACER123"},
		{"composite filler keeps first component", "SCH|123|FILL456^HOSP^ISO||||||||20250502130000", "FILL456"},
		{"composite placer keeps first component", "SCH|456^0^A|||||||||20250502130000", "456"},
	}

	p := New(DefaultConfig(), nil)
	for _, c := range cases {
		raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" + c.sch
		res, err := p.ParseMessage(raw)
		if err != nil {
			t.Errorf("%s: parse failed: %v", c.name, err)
			continue
		}
		if got := res.Appointment.AppointmentID; got != c.want {
			t.Errorf("%s: expected %q, got %q", c.name, c.want, got)
		}
	}
}

func TestMessageTypeValidation(t *testing.T) {
	p := New(DefaultConfig(), nil)

	accepted := []string{"SIU^S12", "siu^s12", "SIU^S12^SIU_S12"}
	for _, mt := range accepted {
		raw := "MSH|^~\\&|A|B|C|D|20250501||" + mt + "|1|P|2.5\n" +
			"SCH|APPT1|||||||||20250502130000"
		if _, err := p.ParseMessage(raw); err != nil {
			t.Errorf("type %q: expected accept, got %v", mt, err)
		}
	}

	raw := "MSH|^~\\&|A|B|C|D|20250501||ADT^A01|1|P|2.5\n" +
		"SCH|APPT1|||||||||20250502130000"
	_, err := p.ParseMessage(raw)
	pe := parseKind(t, err)
	if pe.Kind != KindInvalidMessageType {
		t.Fatalf("expected invalid message type kind, got %s", pe.Kind)
	}
	if pe.Expected != "SIU^S12" {
		t.Errorf("expected field: got %q", pe.Expected)
	}
	if pe.Actual != "ADT^A01" {
		t.Errorf("actual field: got %q", pe.Actual)
	}

	// SIU with a different trigger event is still a rejection.
	raw = "MSH|^~\\&|A|B|C|D|20250501||SIU^S14|1|P|2.5\nSCH|A|||||||||20250502130000"
	_, err = p.ParseMessage(raw)
	if pe := parseKind(t, err); pe.Kind != KindInvalidMessageType {
		t.Errorf("SIU^S14: expected invalid message type, got %s", pe.Kind)
	}
}

func TestRejectsEmptyInput(t *testing.T) {
	p := New(DefaultConfig(), nil)

	for _, raw := range []string{"", "\n\n", "   \n  \r\n"} {
		_, err := p.ParseMessage(raw)
		if pe := parseKind(t, err); pe.Kind != KindInvalidFormat {
			t.Errorf("input %q: expected invalid format, got %s", raw, pe.Kind)
		}
	}
}

func TestRejectsMissingMSH(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "SCH|123456|456789||||||||20250502130000\nPID|1||PAT1"

	_, err := p.ParseMessage(raw)
	pe := parseKind(t, err)
	if pe.Kind != KindInvalidFormat {
		t.Errorf("expected invalid format for headerless message, got %s", pe.Kind)
	}
}

func TestRejectsMissingSCH(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\nPID|1||PAT1||Doe^Jane"

	_, err := p.ParseMessage(raw)
	pe := parseKind(t, err)
	if pe.Kind != KindMissingSegment {
		t.Fatalf("expected missing segment, got %s", pe.Kind)
	}
	if pe.Segment != "SCH" {
		t.Errorf("expected SCH, got %q", pe.Segment)
	}
}

func TestRejectsMissingAppointmentID(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH||||||||||20250502130000"

	_, err := p.ParseMessage(raw)
	pe := parseKind(t, err)
	if pe.Kind != KindMalformedSegment || pe.Segment != "SCH" {
		t.Fatalf("expected malformed SCH, got %s %q", pe.Kind, pe.Segment)
	}
	if !strings.Contains(pe.Reason, "appointment ID") {
		t.Errorf("reason: got %q", pe.Reason)
	}
}

func TestRejectsMissingDatetime(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\nSCH|APPT1|APPT2"

	_, err := p.ParseMessage(raw)
	pe := parseKind(t, err)
	if pe.Kind != KindMalformedSegment || pe.Segment != "SCH" {
		t.Fatalf("expected malformed SCH, got %s %q", pe.Kind, pe.Segment)
	}
	if !strings.Contains(pe.Reason, "datetime") {
		t.Errorf("reason: got %q", pe.Reason)
	}
}

func TestRejectsInvalidDatetime(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||||||20251332999999"

	_, err := p.ParseMessage(raw)
	pe := parseKind(t, err)
	if pe.Kind != KindMalformedSegment {
		t.Fatalf("expected malformed segment, got %s", pe.Kind)
	}
	if !errors.Is(err, er7.ErrInvalidTimestamp) {
		t.Errorf("expected timestamp cause to unwrap, got %v", err)
	}
	// The raw value must not leak into the error text.
	if strings.Contains(err.Error(), "20251332999999") {
		t.Errorf("error text echoes message content: %q", err.Error())
	}
}

func TestOffsetDatetimeNormalizedToUTC(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||||||20250502130000+0500"

	res, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := res.Appointment.AppointmentDateTime; got != "2025-05-02T08:00:00Z" {
		t.Errorf("expected offset applied, got %q", got)
	}
}

func TestPatientExtraction(t *testing.T) {
	p := New(DefaultConfig(), nil)
	base := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||||||20250502130000\n"

	// Unrecognized gender collapses to U.
	res, err := p.ParseMessage(base + "PID|1||PAT1||Doe^Jane||19900101|X")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.Patient.Gender != "U" {
		t.Errorf("gender X: expected U, got %q", res.Appointment.Patient.Gender)
	}

	// Absent gender stays absent.
	res, _ = p.ParseMessage(base + "PID|1||PAT1||Doe^Jane||19900101")
	if res.Appointment.Patient.Gender != "" {
		t.Errorf("expected empty gender, got %q", res.Appointment.Patient.Gender)
	}

	// Unreadable birth dates drop silently.
	res, _ = p.ParseMessage(base + "PID|1||PAT1||Doe^Jane||1990|F")
	if res.Appointment.Patient.DOB != "" {
		t.Errorf("expected dropped DOB, got %q", res.Appointment.Patient.DOB)
	}

	// A first name alone is not enough identity for a patient record.
	res, _ = p.ParseMessage(base + "PID|1||||^Jane")
	if res.Appointment.Patient != nil {
		t.Errorf("expected no patient, got %+v", res.Appointment.Patient)
	}

	// A family name without an identifier gets the placeholder ID.
	res, _ = p.ParseMessage(base + "PID|1||||Doe^Jane")
	if res.Appointment.Patient == nil {
		t.Fatal("expected patient")
	}
	if res.Appointment.Patient.ID != "UNKNOWN" {
		t.Errorf("expected placeholder ID, got %q", res.Appointment.Patient.ID)
	}

	// Truncated PID keeps what it has.
	res, _ = p.ParseMessage(base + "PID|1||PAT9")
	if res.Appointment.Patient == nil {
		t.Fatal("expected patient")
	}
	if res.Appointment.Patient.FirstName != "" || res.Appointment.Patient.LastName != "" {
		t.Errorf("expected empty names, got %+v", res.Appointment.Patient)
	}
}

func TestProviderExtraction(t *testing.T) {
	p := New(DefaultConfig(), nil)
	base := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||||||20250502130000\n"

	// Attending doctor in PV1-7.
	res, err := p.ParseMessage(base + "PV1|1|O|||||D1^Jones^Amy")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.Provider.ID != "D1" || res.Appointment.Provider.Name != "Amy Jones" {
		t.Errorf("PV1-7 provider: got %+v", res.Appointment.Provider)
	}

	// Admitting doctor in PV1-17 when PV1-7 is empty.
	res, _ = p.ParseMessage(base + "PV1|1|O|||||||||||||||D2^Lee")
	if res.Appointment.Provider == nil {
		t.Fatal("expected provider from PV1-17")
	}
	if res.Appointment.Provider.ID != "D2" || res.Appointment.Provider.Name != "Lee" {
		t.Errorf("PV1-17 provider: got %+v", res.Appointment.Provider)
	}

	// ID-only providers get the placeholder display name.
	res, _ = p.ParseMessage(base + "PV1|1|O|||||D3")
	if res.Appointment.Provider.Name != "Unknown Provider" {
		t.Errorf("expected placeholder name, got %q", res.Appointment.Provider.Name)
	}

	// Name-only providers get the placeholder ID.
	res, _ = p.ParseMessage(base + "PV1|1|O|||||^Smith^Dr")
	if res.Appointment.Provider.ID != "UNKNOWN" {
		t.Errorf("expected placeholder ID, got %q", res.Appointment.Provider.ID)
	}

	// No usable doctor fields at all means no provider.
	res, _ = p.ParseMessage(base + "PV1|1|O")
	if res.Appointment.Provider != nil {
		t.Errorf("expected no provider, got %+v", res.Appointment.Provider)
	}

	res, _ = p.ParseMessage(base[:len(base)-1])
	if res.Appointment.Provider != nil {
		t.Errorf("expected no provider without PV1, got %+v", res.Appointment.Provider)
	}
}

func TestLocationPreference(t *testing.T) {
	p := New(DefaultConfig(), nil)

	// SCH-9 wins over PV1-3.
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||||Suite 5||20250502130000\n" +
		"PV1|1|O|Clinic A^Room 203"
	res, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.Location != "Suite 5" {
		t.Errorf("expected SCH location, got %q", res.Appointment.Location)
	}

	// PV1-3 components collapse into one display string when SCH has none.
	raw = "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||||||20250502130000\n" +
		"PV1|1|O|Clinic A^Room 203"
	res, err = p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.Location != "Clinic A Room 203" {
		t.Errorf("expected joined PV1 location, got %q", res.Appointment.Location)
	}
}

func TestReasonFallsBackToSecondComponent(t *testing.T) {
	p := New(DefaultConfig(), nil)

	// Coded reasons keep the text component.
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1|||||CHK^Routine Checkup|||||20250502130000"
	res, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.Reason != "Routine Checkup" {
		t.Errorf("expected coded reason text, got %q", res.Appointment.Reason)
	}

	// SCH-7 fills in when SCH-6 is empty.
	raw = "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|APPT1||||||Follow-up||||20250502130000"
	res, err = p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.Reason != "Follow-up" {
		t.Errorf("expected SCH-7 reason, got %q", res.Appointment.Reason)
	}
}

func TestExtraSegmentsIgnored(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"NTE|1||Please arrive early\n" +
		"SCH|APPT1||||||||||20250502130000\n" +
		"OBX|1|TX|NOTE||stable\n" +
		"ZZZ|custom|fields\n" +
		"PID|1||PAT1||Doe^Jane||19900101|F"

	res, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.AppointmentID != "APPT1" {
		t.Errorf("appointment ID: got %q", res.Appointment.AppointmentID)
	}
	if res.Appointment.Patient == nil || res.Appointment.Patient.ID != "PAT1" {
		t.Errorf("patient: got %+v", res.Appointment.Patient)
	}
}

func TestFirstSegmentWins(t *testing.T) {
	p := New(DefaultConfig(), nil)
	raw := "MSH|^~\\&|A|B|C|D|20250501||SIU^S12|1|P|2.5\n" +
		"SCH|FIRST||||||||||20250502130000\n" +
		"SCH|SECOND||||||||||20250601140000\n" +
		"PID|1||P-ONE||One^Pat\n" +
		"PID|1||P-TWO||Two^Pat"

	res, err := p.ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if res.Appointment.AppointmentID != "FIRST" {
		t.Errorf("expected first SCH to win, got %q", res.Appointment.AppointmentID)
	}
	if res.Appointment.Patient.ID != "P-ONE" {
		t.Errorf("expected first PID to win, got %q", res.Appointment.Patient.ID)
	}
}

func TestHeaderCapture(t *testing.T) {
	p := New(DefaultConfig(), nil)
	res, err := p.ParseMessage(validMessage)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	h := res.Header
	if h.SendingApplication != "SENDAPP" || h.SendingFacility != "SENDFAC" {
		t.Errorf("sending pair: got %q %q", h.SendingApplication, h.SendingFacility)
	}
	if h.ControlID != "MSG0001" {
		t.Errorf("control ID: got %q", h.ControlID)
	}
	if h.MessageType != "SIU^S12" || h.TriggerEvent != "S12" {
		t.Errorf("type fields: got %q %q", h.MessageType, h.TriggerEvent)
	}
	if h.VersionID != "2.5" {
		t.Errorf("version: got %q", h.VersionID)
	}
}

func TestReadHeaderOnUnparseableMessage(t *testing.T) {
	// No SCH, so a full parse fails, but the header is still there for
	// acknowledgment correlation.
	raw := "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20250501||SIU^S12|CTRL42|P|2.5\nPID|1||PAT1"

	h, ok := ReadHeader(raw)
	if !ok {
		t.Fatal("expected header")
	}
	if h.ControlID != "CTRL42" {
		t.Errorf("control ID: got %q", h.ControlID)
	}

	if _, ok := ReadHeader("PID|1||PAT1"); ok {
		t.Error("expected no header without MSH")
	}
}

func TestParseFile(t *testing.T) {
	p := New(DefaultConfig(), nil)

	// Blank-line separated.
	content := siuMessage("M1", "A1", "P1") + "\n\n" + siuMessage("M2", "A2", "P2") + "\n"
	appts, failures, err := p.ParseFile(content)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %d", len(failures))
	}
	if len(appts) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(appts))
	}
	if appts[0].AppointmentID != "A1" || appts[1].AppointmentID != "A2" {
		t.Errorf("appointment order: got %q, %q", appts[0].AppointmentID, appts[1].AppointmentID)
	}

	// Packed back to back, the MSH header alone is the boundary.
	content = siuMessage("M1", "A1", "P1") + "\n" + siuMessage("M2", "A2", "P2")
	appts, _, err = p.ParseFile(content)
	if err != nil {
		t.Fatalf("packed parse failed: %v", err)
	}
	if len(appts) != 2 {
		t.Fatalf("expected 2 appointments from packed input, got %d", len(appts))
	}
}

func TestParseFileAbortsByDefault(t *testing.T) {
	p := New(DefaultConfig(), nil)
	content := siuMessage("M1", "A1", "P1") + "\n\n" +
		"MSH|^~\\&|A|B|C|D|20250501||ADT^A01|M2|P|2.5\nSCH|X||||||||||20250502130000" + "\n\n" +
		siuMessage("M3", "A3", "P3")

	_, _, err := p.ParseFile(content)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "message 2") {
		t.Errorf("expected failing message position in error, got %q", err.Error())
	}
	if pe := parseKind(t, err); pe.Kind != KindInvalidMessageType {
		t.Errorf("expected wrapped parse error kind, got %s", pe.Kind)
	}
}

func TestParseFileContinueOnError(t *testing.T) {
	p := New(Config{ContinueOnError: true}, nil)
	content := siuMessage("M1", "A1", "P1") + "\n\n" +
		"MSH|^~\\&|A|B|C|D|20250501||SIU^S12|M2|P|2.5\nPID|1||LOST" + "\n\n" +
		siuMessage("M3", "A3", "P3")

	appts, failures, err := p.ParseFile(content)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(appts) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(appts))
	}
	if appts[0].AppointmentID != "A1" || appts[1].AppointmentID != "A3" {
		t.Errorf("expected surviving appointments A1 and A3, got %q, %q",
			appts[0].AppointmentID, appts[1].AppointmentID)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if failures[0].Index != 2 {
		t.Errorf("expected failure at message 2, got %d", failures[0].Index)
	}
	if pe := parseKind(t, failures[0].Err); pe.Kind != KindMissingSegment {
		t.Errorf("failure kind: got %s", pe.Kind)
	}
}

func TestParseFileEmptyInput(t *testing.T) {
	p := New(DefaultConfig(), nil)
	_, _, err := p.ParseFile("\n\n  \n")
	if pe := parseKind(t, err); pe.Kind != KindInvalidFormat {
		t.Errorf("expected invalid format, got %s", pe.Kind)
	}
}

func TestLineEndingEquivalence(t *testing.T) {
	p := New(DefaultConfig(), nil)

	lf := validMessage
	cr := strings.ReplaceAll(validMessage, "\n", "\r")
	crlf := strings.ReplaceAll(validMessage, "\n", "\r\n")

	base, err := p.ParseMessage(lf)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want, err := base.Appointment.ToJSONCompact()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	for _, raw := range []string{cr, crlf} {
		res, err := p.ParseMessage(raw)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		got, err := res.Appointment.ToJSONCompact()
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("line ending variant changed output:\n%s\n%s", want, got)
		}
	}
}

func TestSplitMessages(t *testing.T) {
	content := siuMessage("M1", "A1", "P1") + "\r\n\r\n" +
		siuMessage("M2", "A2", "P2") + "\r" +
		siuMessage("M3", "A3", "P3") + "\n"

	messages := SplitMessages(content)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, m := range messages {
		if !strings.HasPrefix(m, "MSH|") {
			t.Errorf("message %d does not start with MSH: %q", i+1, m[:20])
		}
	}

	if got := SplitMessages(""); len(got) != 0 {
		t.Errorf("expected no messages from empty input, got %d", len(got))
	}
}
