package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message types (outer varint discriminator). Types 2 and 3 are reserved;
// receivers must skip frames carrying them instead of erroring.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// Sync subtypes (inner varint discriminator of sync frames).
const (
	SyncStep1  uint64 = 0 // handshake: initiator's state vector / sync message
	SyncStep2  uint64 = 1 // handshake: responder's diff or full state
	SyncUpdate uint64 = 2 // steady state: apply this incremental update
)

// CloseUnauthorized is the websocket close code that signals a non-retryable
// authorization failure. Clients must not auto-reconnect after receiving it.
const CloseUnauthorized = 4401

var (
	// ErrUnknownType marks a frame with a reserved or future message type.
	// Callers drop the frame and carry on.
	ErrUnknownType = errors.New("unknown message type")

	ErrMalformedFrame = errors.New("malformed frame")
)

// Message is the decoded form of a wire frame.
type Message interface {
	isMessage()
	// Encode renders the full frame including the type discriminator.
	Encode() []byte
}

// SyncMessage carries document reconciliation traffic. Body is opaque to the
// framing layer: a sync-protocol message for Step1/Step2, an incremental
// document update for SyncUpdate.
type SyncMessage struct {
	Subtype uint64
	Body    []byte
}

func (SyncMessage) isMessage() {}

func (m SyncMessage) Encode() []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, m.Subtype)
	return append(buf, m.Body...)
}

// AwarenessMessage carries a JSON-encoded presence delta.
type AwarenessMessage struct {
	Body []byte
}

func (AwarenessMessage) isMessage() {}

func (m AwarenessMessage) Encode() []byte {
	buf := binary.AppendUvarint(nil, MessageAwareness)
	return append(buf, m.Body...)
}

// Decode parses a wire frame into its tagged form. A reserved message type
// yields ErrUnknownType; a truncated or garbled header yields
// ErrMalformedFrame.
func Decode(data []byte) (Message, error) {
	mt, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedFrame)
	}
	data = data[n:]

	switch mt {
	case MessageSync:
		st, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: missing sync subtype", ErrMalformedFrame)
		}
		switch st {
		case SyncStep1, SyncStep2, SyncUpdate:
		default:
			return nil, fmt.Errorf("%w: sync subtype %d", ErrMalformedFrame, st)
		}
		return SyncMessage{Subtype: st, Body: data[n:]}, nil
	case MessageAwareness:
		return AwarenessMessage{Body: data}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, mt)
	}
}
