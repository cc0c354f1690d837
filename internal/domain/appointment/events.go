package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a scheduling domain event.
type EventType string

const (
	// EventAppointmentScheduled is emitted once per successfully ingested
	// SIU^S12 message.
	EventAppointmentScheduled EventType = "AppointmentScheduled"
)

// Event is the envelope published to downstream consumers.
type Event struct {
	ID         string          `json:"id"`
	IngestID   string          `json:"ingest_id"`
	EventType  EventType       `json:"event_type"`
	EventData  json.RawMessage `json:"event_data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent wraps data in an event envelope with a fresh identity.
func NewEvent(ingestID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.New().String(),
		IngestID:   ingestID,
		EventType:  eventType,
		EventData:  eventData,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// ScheduledData is the payload of an AppointmentScheduled event. The message
// identity fields let consumers trace an appointment back to the interface
// engine that sent it.
type ScheduledData struct {
	IngestID           string       `json:"ingest_id"`
	ControlID          string       `json:"control_id,omitempty"`
	SendingApplication string       `json:"sending_application,omitempty"`
	SendingFacility    string       `json:"sending_facility,omitempty"`
	Appointment        *Appointment `json:"appointment"`
	ReceivedAt         time.Time    `json:"received_at"`
}

// Record is a stored appointment together with its ingest identity.
type Record struct {
	IngestID           string
	ControlID          string
	SendingApplication string
	SendingFacility    string
	Appointment        *Appointment
	ReceivedAt         time.Time
}

// NewRecord stamps an appointment with a fresh ingest ID and receive time.
// The control ID and sender fields come from the source message's MSH
// segment and may be empty.
func NewRecord(a *Appointment, controlID, sendingApp, sendingFacility string) *Record {
	return &Record{
		IngestID:           uuid.New().String(),
		ControlID:          controlID,
		SendingApplication: sendingApp,
		SendingFacility:    sendingFacility,
		Appointment:        a,
		ReceivedAt:         time.Now().UTC(),
	}
}
