// Package ingest defines the envelope that carries raw HL7 messages from
// the receiving transports to the parse workers.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/go-siu/internal/hl7/siu"
)

// Transport names recorded on envelopes.
const (
	TransportHTTP = "http"
	TransportMLLP = "mllp"
	TransportFile = "file"
)

// Envelope wraps one raw HL7 message on the hl7.raw.inbound topic. The
// payload is the untouched wire bytes; sender identity is copied out of the
// MSH header when one could be read, so consumers can route and deduplicate
// without re-parsing.
type Envelope struct {
	IngestID           string    `json:"ingest_id"`
	ReceivedAt         time.Time `json:"received_at"`
	Transport          string    `json:"transport"`
	SendingApplication string    `json:"sending_application,omitempty"`
	SendingFacility    string    `json:"sending_facility,omitempty"`
	ControlID          string    `json:"control_id,omitempty"`
	Payload            []byte    `json:"payload"`
}

// NewEnvelope wraps raw message bytes received over the given transport.
// Header fields stay empty when the message has no readable MSH.
func NewEnvelope(transport string, payload []byte) *Envelope {
	env := &Envelope{
		IngestID:   uuid.New().String(),
		ReceivedAt: time.Now().UTC(),
		Transport:  transport,
		Payload:    payload,
	}
	if hdr, ok := siu.ReadHeader(string(payload)); ok {
		env.SendingApplication = hdr.SendingApplication
		env.SendingFacility = hdr.SendingFacility
		env.ControlID = hdr.ControlID
	}
	return env
}

// Key returns the partition key. Keying by sender keeps messages from one
// interface engine in order.
func (e *Envelope) Key() string {
	if e.SendingApplication == "" && e.SendingFacility == "" {
		return e.IngestID
	}
	return e.SendingApplication + "|" + e.SendingFacility
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes an envelope from the wire.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// DeadLetter records a message that failed parsing terminally. The raw
// payload rides along so operators can replay it after fixing the sender;
// the reason is the parser's fixed taxonomy text.
type DeadLetter struct {
	IngestID  string    `json:"ingest_id"`
	FailedAt  time.Time `json:"failed_at"`
	Transport string    `json:"transport"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	ControlID string    `json:"control_id,omitempty"`
	Payload   []byte    `json:"payload"`
}

// NewDeadLetter builds the DLQ record for a terminally failed envelope.
func NewDeadLetter(env *Envelope, kind, reason string) *DeadLetter {
	return &DeadLetter{
		IngestID:  env.IngestID,
		FailedAt:  time.Now().UTC(),
		Transport: env.Transport,
		Kind:      kind,
		Reason:    reason,
		ControlID: env.ControlID,
		Payload:   env.Payload,
	}
}

// Marshal encodes the dead letter record.
func (d *DeadLetter) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return data, nil
}
