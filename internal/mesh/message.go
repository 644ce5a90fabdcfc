package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marqueelabs/gatesync/internal/scans"
)

// Kind tags a gossip message on the wire.
type Kind string

const (
	// KindDelta carries newly-learned scan events and expects an ack.
	KindDelta Kind = "delta"
	// KindFullState carries the sender's entire replica.
	KindFullState Kind = "full-state"
	// KindStateRequest asks every peer to answer with its full state.
	KindStateRequest Kind = "state-request"
	// KindAck acknowledges receipt of a tracked message.
	KindAck Kind = "ack"
	// KindHeartbeat advertises liveness and the sender's state hash.
	KindHeartbeat Kind = "heartbeat"
	// KindStateHash advertises the sender's state hash for reconciliation.
	KindStateHash Kind = "state-hash"
)

var (
	// ErrMalformedEnvelope indicates that a datagram could not be decoded.
	ErrMalformedEnvelope = errors.New("mesh: malformed envelope")
	// ErrUnknownKind indicates an envelope with an unrecognised type tag.
	ErrUnknownKind = errors.New("mesh: unknown message kind")
)

// Envelope is the JSON wire format shared by every gossip message. Conditional
// fields are populated per kind and validated by DecodeEnvelope so a malformed
// payload is rejected instead of silently half-applied.
type Envelope struct {
	Type         Kind              `json:"type"`
	DeviceID     string            `json:"deviceId"`
	SequenceNum  int64             `json:"sequenceNum"`
	Timestamp    int64             `json:"timestamp"`
	MessageID    string            `json:"messageId,omitempty"`
	Deltas       []scans.ScanEvent `json:"deltas,omitempty"`
	FullState    scans.FullState   `json:"fullState,omitempty"`
	AckMessageID string            `json:"ackMessageId,omitempty"`
	StateHash    string            `json:"stateHash,omitempty"`
}

// Encode serialises the envelope to a single-datagram JSON payload.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a datagram payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := envelope.validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

func (e Envelope) validate() error {
	if strings.TrimSpace(e.DeviceID) == "" {
		return fmt.Errorf("%w: missing deviceId", ErrMalformedEnvelope)
	}
	switch e.Type {
	case KindDelta:
		if strings.TrimSpace(e.MessageID) == "" {
			return fmt.Errorf("%w: delta without messageId", ErrMalformedEnvelope)
		}
		if len(e.Deltas) == 0 {
			return fmt.Errorf("%w: delta without deltas", ErrMalformedEnvelope)
		}
	case KindFullState:
		if e.FullState == nil {
			return fmt.Errorf("%w: full-state without fullState", ErrMalformedEnvelope)
		}
	case KindAck:
		if strings.TrimSpace(e.AckMessageID) == "" {
			return fmt.Errorf("%w: ack without ackMessageId", ErrMalformedEnvelope)
		}
	case KindHeartbeat, KindStateHash:
		if strings.TrimSpace(e.StateHash) == "" {
			return fmt.Errorf("%w: %s without stateHash", ErrMalformedEnvelope, e.Type)
		}
	case KindStateRequest:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return nil
}
