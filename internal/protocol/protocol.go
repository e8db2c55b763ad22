// Package protocol frames the binary messages exchanged with editors.
//
// Every frame starts with a MessageType byte. Sync frames carry a SyncStep
// byte and then a document payload; awareness frames carry the payload
// directly.
package protocol

import (
	"github.com/pkg/errors"
)

// Represents the type of a frame
type MessageType byte

const (
	// Document content: snapshots and incremental updates
	MessageTypeSync MessageType = 0

	// Presence metadata (cursors, selections), relayed but never persisted
	MessageTypeAwareness MessageType = 1
)

// The kind of document payload in a sync frame
type SyncStep byte

const (
	// Full document state, sent once by the server when a peer joins
	SyncSnapshot SyncStep = 1

	// Incremental changes from one peer, merged and relayed to the others
	SyncUpdate SyncStep = 2
)

// Extracts the message type from the first byte
func ParseMessageType(data []byte) MessageType {
	if len(data) == 0 {
		return MessageTypeSync
	}
	return MessageType(data[0])
}

// Extracts the sync step from the second byte
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < 2 {
		return SyncUpdate
	}
	return SyncStep(data[1])
}

// Validate checks a frame received from a peer. Peers may only send
// updates and awareness; snapshots flow from the server.
func Validate(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty message")
	}

	switch MessageType(data[0]) {
	case MessageTypeSync:
		if len(data) < 3 {
			return errors.New("sync message too short")
		}
		if step := ParseSyncStep(data); step != SyncUpdate {
			return errors.Errorf("invalid sync step from peer: %d", step)
		}
		return nil
	case MessageTypeAwareness:
		if len(data) < 2 {
			return errors.New("awareness message too short")
		}
		return nil
	default:
		return errors.Errorf("unknown message type: %d", data[0])
	}
}

// Payload returns the bytes after the frame header.
func Payload(data []byte) []byte {
	switch ParseMessageType(data) {
	case MessageTypeSync:
		if len(data) < 2 {
			return nil
		}
		return data[2:]
	default:
		if len(data) < 1 {
			return nil
		}
		return data[1:]
	}
}

func EncodeSnapshot(state []byte) []byte {
	return frame([]byte{byte(MessageTypeSync), byte(SyncSnapshot)}, state)
}

func EncodeUpdate(update []byte) []byte {
	return frame([]byte{byte(MessageTypeSync), byte(SyncUpdate)}, update)
}

func EncodeAwareness(state []byte) []byte {
	return frame([]byte{byte(MessageTypeAwareness)}, state)
}

func frame(header, payload []byte) []byte {
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}
