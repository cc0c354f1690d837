package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carewire/go-siu/internal/hl7/siu"
	"github.com/carewire/go-siu/internal/ingest"
)

const goodMessage = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20250501120000||SIU^S12|MSG0001|P|2.5\n" +
	"SCH|123456|456789|||||Consultation||Clinic A||20250502130000\n" +
	"PID|1||PAT12345||Doe^John||19800115|M\n" +
	"PV1|1|O|Clinic A^Room 203||||D67890^Smith^Dr"

type capturedPublish struct {
	topic string
	key   string
	value []byte
}

type stubPublisher struct {
	published []capturedPublish
	err       error
}

func (s *stubPublisher) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, capturedPublish{topic: topic, key: key, value: value})
	return nil
}

func newTestHandler(pub Publisher) *MessageHandler {
	return NewMessageHandler(nil, siu.New(siu.DefaultConfig(), nil), pub, "hl7.raw.inbound", nil)
}

func postMessage(t *testing.T, h *MessageHandler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return body
}

func TestIngestRejectsEmptyBody(t *testing.T) {
	w := postMessage(t, newTestHandler(nil), "/", "   \n  ")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIngestRejectsNonHL7(t *testing.T) {
	w := postMessage(t, newTestHandler(nil), "/", "this is not a picture of health")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["kind"] != string(siu.KindInvalidFormat) {
		t.Errorf("expected kind %q, got %v", siu.KindInvalidFormat, body["kind"])
	}
}

func TestIngestRejectsWrongMessageType(t *testing.T) {
	msg := strings.Replace(goodMessage, "SIU^S12", "ADT^A01", 1)
	w := postMessage(t, newTestHandler(nil), "/", msg)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["kind"] != string(siu.KindInvalidMessageType) {
		t.Errorf("expected kind %q, got %v", siu.KindInvalidMessageType, body["kind"])
	}
}

func TestIngestRejectsMissingSCH(t *testing.T) {
	msg := "MSH|^~\\&|A|B|C|D|20250501120000||SIU^S12|M1|P|2.5\nPID|1||P1"
	w := postMessage(t, newTestHandler(nil), "/", msg)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestIngestAsyncQueuesEnvelope(t *testing.T) {
	pub := &stubPublisher{}
	w := postMessage(t, newTestHandler(pub), "/?async=true", goodMessage)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["status"] != "queued" {
		t.Errorf("expected status queued, got %v", body["status"])
	}
	if id, _ := body["ingest_id"].(string); id == "" {
		t.Error("expected an ingest ID")
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	p := pub.published[0]
	if p.topic != "hl7.raw.inbound" {
		t.Errorf("expected raw topic, got %s", p.topic)
	}

	env, err := ingest.UnmarshalEnvelope(p.value)
	if err != nil {
		t.Fatalf("published value is not an envelope: %v", err)
	}
	if env.ControlID != "MSG0001" {
		t.Errorf("expected control ID from MSH, got %q", env.ControlID)
	}
	if env.Transport != ingest.TransportHTTP {
		t.Errorf("expected http transport, got %q", env.Transport)
	}
	if string(env.Payload) != goodMessage {
		t.Error("payload was not preserved verbatim")
	}
	if p.key != "SENDAPP|SENDFAC" {
		t.Errorf("expected sender partition key, got %q", p.key)
	}
}

func TestIngestAsyncWithoutPublisher(t *testing.T) {
	w := postMessage(t, newTestHandler(nil), "/?async=true", goodMessage)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestIngestAsyncPublishFailure(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker unreachable")}
	w := postMessage(t, newTestHandler(pub), "/?async=true", goodMessage)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestBatchAbortsAtFirstBadMessage(t *testing.T) {
	batch := goodMessage + "\n\n" +
		"MSH|^~\\&|A|B|C|D|20250501120000||SIU^S12|M2|P|2.5\nPID|1||P1"

	w := postMessage(t, newTestHandler(nil), "/batch", batch)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["index"] != float64(2) {
		t.Errorf("expected failing index 2, got %v", body["index"])
	}
	if body["kind"] != string(siu.KindMissingSegment) {
		t.Errorf("expected kind %q, got %v", siu.KindMissingSegment, body["kind"])
	}
}

func TestBatchRejectsEmptyInput(t *testing.T) {
	w := postMessage(t, newTestHandler(nil), "/batch", "\n\n")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStatusForParseError(t *testing.T) {
	h := newTestHandler(nil)
	cases := []struct {
		kind siu.ErrorKind
		want int
	}{
		{siu.KindInvalidFormat, http.StatusBadRequest},
		{siu.KindInvalidMessageType, http.StatusUnprocessableEntity},
		{siu.KindMissingSegment, http.StatusUnprocessableEntity},
		{siu.KindMalformedSegment, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		got := h.statusForParseError(&siu.ParseError{Kind: tc.kind})
		if got != tc.want {
			t.Errorf("kind %s: expected %d, got %d", tc.kind, tc.want, got)
		}
	}
	if got := h.statusForParseError(errors.New("plain")); got != http.StatusBadRequest {
		t.Errorf("non-taxonomy error: expected 400, got %d", got)
	}
}
