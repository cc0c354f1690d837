package er7

import (
	"strings"
	"testing"
)

const sampleMessage = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20250501120000||SIU^S12|MSG0001|P|2.5\r" +
	"SCH|123456|456789|||||Consultation||Clinic A||20250502130000\r" +
	"PID|1||PAT12345||Doe^John||19800115|M\r" +
	"PV1|1|O|Clinic A^Room 203||||D67890^Smith^Dr"

func TestTokenize(t *testing.T) {
	segments := Tokenize(sampleMessage)
	if len(segments) != 4 {
		t.Fatalf("expected 4 segments, got %d", len(segments))
	}

	want := []string{"MSH", "SCH", "PID", "PV1"}
	for i, w := range want {
		if segments[i].Type != w {
			t.Errorf("segment %d: expected type %s, got %s", i, w, segments[i].Type)
		}
	}
}

func TestTokenizeSkipsNonSegmentLines(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20250101||SIU^S12|1|P|2.5\n" +
		"NOTASEGMENT garbage line\n" +
		"\n" +
		"  \n" +
		"ZZZ|custom|data\n" +
		"SCH|1|2"

	segments := Tokenize(raw)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	if segments[1].Type != "ZZZ" {
		t.Errorf("expected ZZZ segment kept, got %s", segments[1].Type)
	}
}

func TestMSHFieldNumbering(t *testing.T) {
	segments := Tokenize(sampleMessage)
	msh := FindSegment(segments, SegmentMSH)
	if msh == nil {
		t.Fatal("MSH not found")
	}

	// MSH-1 is the field separator itself, so everything after shifts.
	if got := msh.Field(0); got != "MSH" {
		t.Errorf("field 0: expected MSH, got %q", got)
	}
	if got := msh.Field(1); got != "|" {
		t.Errorf("MSH-1: expected |, got %q", got)
	}
	if got := msh.Field(2); got != `^~\&` {
		t.Errorf("MSH-2: expected encoding characters, got %q", got)
	}
	if got := msh.Field(3); got != "SENDAPP" {
		t.Errorf("MSH-3: expected SENDAPP, got %q", got)
	}
	if got := msh.Field(9); got != "SIU^S12" {
		t.Errorf("MSH-9: expected SIU^S12, got %q", got)
	}
	if got := msh.Field(10); got != "MSG0001" {
		t.Errorf("MSH-10: expected MSG0001, got %q", got)
	}
	if got := msh.Field(12); got != "2.5" {
		t.Errorf("MSH-12: expected 2.5, got %q", got)
	}
	if got := msh.Field(40); got != "" {
		t.Errorf("out-of-range field: expected empty, got %q", got)
	}
}

func TestFieldAccess(t *testing.T) {
	segments := Tokenize(sampleMessage)
	sch := FindSegment(segments, SegmentSCH)
	if sch == nil {
		t.Fatal("SCH not found")
	}

	if got := sch.Field(1); got != "123456" {
		t.Errorf("SCH-1: expected 123456, got %q", got)
	}
	if got := sch.Field(2); got != "456789" {
		t.Errorf("SCH-2: expected 456789, got %q", got)
	}
	if got := sch.Field(7); got != "Consultation" {
		t.Errorf("SCH-7: expected Consultation, got %q", got)
	}
	if got := sch.Field(9); got != "Clinic A" {
		t.Errorf("SCH-9: expected Clinic A, got %q", got)
	}
	if got := sch.Field(11); got != "20250502130000" {
		t.Errorf("SCH-11: expected timestamp, got %q", got)
	}
	if got := sch.Field(-1); got != "" {
		t.Errorf("negative field: expected empty, got %q", got)
	}
}

func TestComponentAccess(t *testing.T) {
	segments := Tokenize(sampleMessage)

	pid := FindSegment(segments, SegmentPID)
	if got := pid.Component(5, 0); got != "Doe" {
		t.Errorf("PID-5 component 0: expected Doe, got %q", got)
	}
	if got := pid.Component(5, 1); got != "John" {
		t.Errorf("PID-5 component 1: expected John, got %q", got)
	}
	if got := pid.Component(5, 6); got != "" {
		t.Errorf("out-of-range component: expected empty, got %q", got)
	}

	pv1 := FindSegment(segments, SegmentPV1)
	comps := pv1.Components(3)
	if len(comps) != 2 || comps[0] != "Clinic A" || comps[1] != "Room 203" {
		t.Errorf("PV1-3 components: got %v", comps)
	}
}

func TestSubComponentAccess(t *testing.T) {
	segments := Tokenize("MSH|^~\\&|A\rPID|1||12345^^^Hospital&1.2.3&ISO")
	pid := FindSegment(segments, SegmentPID)

	if got := pid.SubComponent(3, 3, 0); got != "Hospital" {
		t.Errorf("sub-component 0: expected Hospital, got %q", got)
	}
	if got := pid.SubComponent(3, 3, 1); got != "1.2.3" {
		t.Errorf("sub-component 1: expected 1.2.3, got %q", got)
	}
	if got := pid.SubComponent(3, 3, 9); got != "" {
		t.Errorf("out-of-range sub-component: expected empty, got %q", got)
	}
}

func TestRepetitions(t *testing.T) {
	segments := Tokenize("MSH|^~\\&|A\rPID|1||ID1~ID2~ID3")
	pid := FindSegment(segments, SegmentPID)

	reps := pid.Repetitions(3)
	if len(reps) != 3 {
		t.Fatalf("expected 3 repetitions, got %d", len(reps))
	}
	if reps[0] != "ID1" || reps[2] != "ID3" {
		t.Errorf("repetitions: got %v", reps)
	}
}

func TestCustomDelimiters(t *testing.T) {
	raw := "MSH$*~\\&$APP$FAC$RECV$RFAC$20250101120000$$SIU*S12$C1$P$2.5\n" +
		"SCH$A1$B2$$$$$Checkup"

	d := DetectDelimiters(raw)
	if d.Field != '$' {
		t.Fatalf("expected field separator $, got %c", d.Field)
	}
	if d.Component != '*' {
		t.Fatalf("expected component separator *, got %c", d.Component)
	}

	segments := Tokenize(raw)
	msh := FindSegment(segments, SegmentMSH)
	if got := msh.Field(9); got != "SIU*S12" {
		t.Errorf("MSH-9: expected SIU*S12, got %q", got)
	}
	if got := msh.Component(9, 1); got != "S12" {
		t.Errorf("MSH-9 trigger: expected S12, got %q", got)
	}

	sch := FindSegment(segments, SegmentSCH)
	if got := sch.Field(2); got != "B2" {
		t.Errorf("SCH-2: expected B2, got %q", got)
	}
}

func TestDetectDelimitersFallsBack(t *testing.T) {
	// No MSH at all keeps the standard set.
	d := DetectDelimiters("SCH|1|2")
	if d != DefaultDelimiters() {
		t.Errorf("expected default delimiters, got %+v", d)
	}

	// A short MSH-2 fills missing positions from the defaults.
	d = DetectDelimiters("MSH|^|APP")
	if d.Component != '^' {
		t.Errorf("expected declared component separator, got %c", d.Component)
	}
	if d.Repetition != DefaultRepetitionSeparator {
		t.Errorf("expected default repetition separator, got %c", d.Repetition)
	}
}

func TestFindSegmentFirstWins(t *testing.T) {
	raw := "MSH|^~\\&|A\rPID|1||FIRST\rPID|2||SECOND"
	segments := Tokenize(raw)

	pid := FindSegment(segments, SegmentPID)
	if got := pid.Component(3, 0); got != "FIRST" {
		t.Errorf("expected first PID to win, got %q", got)
	}

	all := FindAllSegments(segments, SegmentPID)
	if len(all) != 2 {
		t.Errorf("expected 2 PID segments, got %d", len(all))
	}

	if FindSegment(segments, SegmentSCH) != nil {
		t.Error("expected nil for absent segment type")
	}
}

func TestLineEndingVariants(t *testing.T) {
	base := strings.ReplaceAll(sampleMessage, "\r", "\n")
	crlf := strings.ReplaceAll(sampleMessage, "\r", "\r\n")

	for _, raw := range []string{sampleMessage, base, crlf} {
		segments := Tokenize(raw)
		if len(segments) != 4 {
			t.Fatalf("expected 4 segments, got %d", len(segments))
		}
		sch := FindSegment(segments, SegmentSCH)
		if got := sch.Field(2); got != "456789" {
			t.Errorf("SCH-2: expected 456789, got %q", got)
		}
	}
}
