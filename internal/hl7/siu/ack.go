package siu

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AckCode is the acknowledgment code carried in MSA-1.
type AckCode string

const (
	AckAccept AckCode = "AA" // application accept
	AckError  AckCode = "AE" // application error
	AckReject AckCode = "AR" // application reject
)

// BuildAck renders an HL7 acknowledgment for the message described by
// hdr, with sender and receiver swapped so it routes back to the origin.
// application and facility name the responding system. The optional text
// lands in MSA-3 with delimiter bytes blanked out, since acknowledgment
// text must not re-frame the segment it rides in.
func BuildAck(hdr Header, application, facility string, code AckCode, text string) string {
	messageType := "ACK"
	if hdr.TriggerEvent != "" {
		messageType = "ACK^" + hdr.TriggerEvent
	}

	processingID := hdr.ProcessingID
	if processingID == "" {
		processingID = "P"
	}
	versionID := hdr.VersionID
	if versionID == "" {
		versionID = "2.5"
	}

	msh := fmt.Sprintf(`MSH|^~\&|%s|%s|%s|%s|%s||%s|%s|%s|%s`,
		application,
		facility,
		hdr.SendingApplication,
		hdr.SendingFacility,
		time.Now().UTC().Format("20060102150405"),
		messageType,
		uuid.New().String(),
		processingID,
		versionID,
	)

	msa := fmt.Sprintf("MSA|%s|%s", code, hdr.ControlID)
	if text != "" {
		msa += "|" + sanitizeAckText(text)
	}

	return msh + "\r" + msa
}

// sanitizeAckText blanks the bytes that would alter segment structure.
func sanitizeAckText(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', '^', '~', '\\', '&', '\r', '\n':
			return ' '
		}
		return r
	}, s)
}
