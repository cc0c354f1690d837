// Package appointment defines the structured scheduling records produced
// from SIU messages, their JSON encoding, and their persistence.
package appointment

import (
	"encoding/json"
	"fmt"
)

// Administrative gender codes carried in output. Source systems send all
// kinds of values here; anything outside this set normalizes to unknown.
const (
	GenderMale    = "M"
	GenderFemale  = "F"
	GenderOther   = "O"
	GenderUnknown = "U"
)

// Fallback values used when a segment carries a name without an identifier
// or an identifier without a name.
const (
	UnknownID           = "UNKNOWN"
	UnknownProviderName = "Unknown Provider"
)

// Patient holds the demographics extracted from a PID segment.
type Patient struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	DOB       string `json:"dob,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

// Provider holds the clinician identity extracted from a PV1 segment.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Appointment is the unit of output: one parsed SIU^S12 message produces
// exactly one Appointment. Patient and Provider are omitted from JSON when
// the source message carried no usable PID or PV1 segment; they are never
// serialized as null.
type Appointment struct {
	AppointmentID       string    `json:"appointment_id"`
	AppointmentDateTime string    `json:"appointment_datetime"`
	Patient             *Patient  `json:"patient,omitempty"`
	Provider            *Provider `json:"provider,omitempty"`
	Location            string    `json:"location,omitempty"`
	Reason              string    `json:"reason,omitempty"`
}

// Validate checks the two fields every appointment must carry.
func (a *Appointment) Validate() error {
	if a.AppointmentID == "" {
		return fmt.Errorf("appointment ID is required")
	}
	if a.AppointmentDateTime == "" {
		return fmt.Errorf("appointment datetime is required")
	}
	return nil
}

// ToJSON marshals the appointment with two-space indentation.
func (a *Appointment) ToJSON() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// ToJSONCompact marshals the appointment on a single line, the form used
// for newline-delimited streaming output.
func (a *Appointment) ToJSONCompact() ([]byte, error) {
	return json.Marshal(a)
}
