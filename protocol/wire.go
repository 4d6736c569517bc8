package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/c360/docrelay/errors"
)

// ControlType distinguishes the two control message subtypes.
type ControlType string

const (
	// ControlConfirmation acknowledges receipt of one fragment by one or
	// more local recipient domains.
	ControlConfirmation ControlType = "confirmation"

	// ControlRetransmitRequest asks the document's sender to re-send one
	// fragment, bypassing its to-be-send gate.
	ControlRetransmitRequest ControlType = "retransmit_request"
)

// DataMessage carries one fragment's payload plus enough document metadata
// for the receiving side to materialize both document and fragment from the
// first message it sees, in any order.
type DataMessage struct {
	FragmentNumber      int      `json:"fragment_number"`
	FragmentFingerprint string   `json:"fragment_fingerprint"`
	FileName            string   `json:"file_name"`
	Sender              string   `json:"sender"`
	Recipients          []string `json:"recipients"`
	Priority            Priority `json:"priority"`
	DocumentFingerprint string   `json:"document_fingerprint"`
	TotalFragments      int      `json:"total_fragments"`
	PayloadMetadata     string   `json:"payload_metadata,omitempty"`
	Payload             []byte   `json:"payload"`
}

// Validate checks the message carries the fields the receive path depends on.
func (m *DataMessage) Validate() error {
	switch {
	case m.FragmentNumber < 1:
		return errors.WrapInvalid(
			fmt.Errorf("fragment_number %d must be >= 1", m.FragmentNumber),
			"DataMessage", "Validate", "fragment number out of range")
	case m.TotalFragments < 1:
		return errors.WrapInvalid(
			fmt.Errorf("total_fragments %d must be >= 1", m.TotalFragments),
			"DataMessage", "Validate", "fragment count out of range")
	case m.FragmentNumber > m.TotalFragments:
		return errors.WrapInvalid(
			fmt.Errorf("fragment_number %d exceeds total_fragments %d", m.FragmentNumber, m.TotalFragments),
			"DataMessage", "Validate", "fragment number out of range")
	case m.DocumentFingerprint == "":
		return errors.WrapInvalid(errors.ErrInvalidData,
			"DataMessage", "Validate", "document_fingerprint is required")
	case m.FragmentFingerprint == "":
		return errors.WrapInvalid(errors.ErrInvalidData,
			"DataMessage", "Validate", "fragment_fingerprint is required")
	case m.Sender == "":
		return errors.WrapInvalid(errors.ErrInvalidData,
			"DataMessage", "Validate", "sender is required")
	case len(m.Recipients) == 0:
		return errors.WrapInvalid(errors.ErrInvalidData,
			"DataMessage", "Validate", "recipients are required")
	}
	return nil
}

// Marshal serializes the message to JSON.
func (m *DataMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapInvalid(err, "DataMessage", "Marshal", "encode failed")
	}
	return data, nil
}

// UnmarshalDataMessage decodes and validates a data message.
func UnmarshalDataMessage(data []byte) (*DataMessage, error) {
	var m DataMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(err, "DataMessage", "Unmarshal", "decode failed")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ControlMessage is the small acknowledgement/retransmission message. Both
// subtypes share one shape; Type tells them apart.
type ControlMessage struct {
	Type                ControlType `json:"type"`
	DocumentFingerprint string      `json:"document_fingerprint"`
	Recipient           string      `json:"recipient"` // the sender domain this message is addressed to
	FragmentNumber      int         `json:"fragment_number"`
	LocalRecipients     []string    `json:"local_recipients"` // domains confirming or requesting
}

// Validate checks the control message identifies a fragment and a target.
func (m *ControlMessage) Validate() error {
	switch {
	case m.Type != ControlConfirmation && m.Type != ControlRetransmitRequest:
		return errors.WrapInvalid(
			fmt.Errorf("unknown control type %q", m.Type),
			"ControlMessage", "Validate", "type must be confirmation or retransmit_request")
	case m.DocumentFingerprint == "":
		return errors.WrapInvalid(errors.ErrInvalidData,
			"ControlMessage", "Validate", "document_fingerprint is required")
	case m.Recipient == "":
		return errors.WrapInvalid(errors.ErrInvalidData,
			"ControlMessage", "Validate", "recipient is required")
	case m.FragmentNumber < 1:
		return errors.WrapInvalid(
			fmt.Errorf("fragment_number %d must be >= 1", m.FragmentNumber),
			"ControlMessage", "Validate", "fragment number out of range")
	case len(m.LocalRecipients) == 0:
		return errors.WrapInvalid(errors.ErrInvalidData,
			"ControlMessage", "Validate", "local_recipients are required")
	}
	return nil
}

// Marshal serializes the message to JSON.
func (m *ControlMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ControlMessage", "Marshal", "encode failed")
	}
	return data, nil
}

// UnmarshalControlMessage decodes and validates a control message.
func UnmarshalControlMessage(data []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(err, "ControlMessage", "Unmarshal", "decode failed")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
