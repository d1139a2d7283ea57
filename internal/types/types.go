package types

import (
	"encoding/json"
	"fmt"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// ClientID identifies one editing session. It is stable across reconnects
// within that session.
type ClientID string

// MessageType enumerates the envelope types carried over the session stream.
type MessageType string

const (
	MessageUpdate   MessageType = "yjs_update"
	MessageSnapshot MessageType = "yjs_snapshot"
	MessagePresence MessageType = "presence"
	MessageUserName MessageType = "user_name"
)

// Known reports whether t is one of the closed set of message types.
func (t MessageType) Known() bool {
	switch t {
	case MessageUpdate, MessageSnapshot, MessagePresence, MessageUserName:
		return true
	}
	return false
}

// Origin tags a mutation with where it came from so listeners can avoid
// re-broadcasting state they did not author.
type Origin string

const (
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
	OriginTimeout Origin = "timeout"
	OriginSeed    Origin = "seed"
)

// User describes the identity a client advertises to its peers.
type User struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	ClientID string `json:"clientId"`
}

// Envelope is the unit exchanged over the session stream. Payload is base64
// text for the binary carrying types and free text for user_name.
type Envelope struct {
	Type       MessageType `json:"type"`
	DocumentID DocumentID  `json:"document_id"`
	ClientID   ClientID    `json:"client_id"`
	Payload    string      `json:"payload"`
}

// UnmarshalJSON accepts both the snake_case keys used by the relay and the
// camelCase keys emitted by some clients.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        MessageType `json:"type"`
		DocumentID  DocumentID  `json:"document_id"`
		ClientID    ClientID    `json:"client_id"`
		DocumentID2 DocumentID  `json:"documentId"`
		ClientID2   ClientID    `json:"clientId"`
		Payload     string      `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.DocumentID = raw.DocumentID
	if e.DocumentID == "" {
		e.DocumentID = raw.DocumentID2
	}
	e.ClientID = raw.ClientID
	if e.ClientID == "" {
		e.ClientID = raw.ClientID2
	}
	e.Payload = raw.Payload
	return nil
}

// DecodeEnvelope parses a raw frame into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode serializes the envelope for a text frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
