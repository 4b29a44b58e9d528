package collab

import (
	"context"
	"time"
)

// Outward event names.
const (
	EventSessionJoined       = "SessionJoined"
	EventParticipantJoined   = "ParticipantJoined"
	EventParticipantLeft     = "ParticipantLeft"
	EventChangeBroadcast     = "ChangeBroadcast"
	EventParticipantActivity = "ParticipantActivity"
	EventErrorNotice         = "ErrorNotice"
)

type Event struct {
	Name       string `json:"event"`
	DocumentID string `json:"documentId,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

type ParticipantJoinedPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type ParticipantLeftPayload struct {
	UserID string `json:"userId"`
}

type ChangeBroadcastPayload struct {
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

type ParticipantActivityPayload struct {
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	CursorPosition int       `json:"cursorPosition"`
	LastActivity   time.Time `json:"lastActivity"`
}

type ErrorNoticePayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorNotice builds the event sent to a caller whose request failed.
func ErrorNotice(documentID string, err error) Event {
	code, message := Classify(err)
	reason, _ := DenialReason(err)
	return Event{
		Name:       EventErrorNotice,
		DocumentID: documentID,
		Payload:    ErrorNoticePayload{Message: message, Code: code, Reason: reason},
	}
}

// Exclude names recipients a document broadcast skips. Zero fields match nothing.
type Exclude struct {
	ConnID string
	UserID string
}

// Transport delivers events to connected clients. Implementations are
// process-wide and outlive any single connection, so timer callbacks can
// broadcast after the submitting request is gone. Delivery is best effort.
type Transport interface {
	// Subscribe and Unsubscribe manage a connection's membership in a
	// document channel. They are no-ops for an empty connID.
	Subscribe(connID, documentID string)
	Unsubscribe(connID, documentID string)
	// UserConnected reports whether the user still has another local
	// connection subscribed to documentID, ignoring exceptConnID.
	UserConnected(userID, documentID, exceptConnID string) bool

	ToConnection(ctx context.Context, connID string, ev Event) error
	ToUser(ctx context.Context, userID string, ev Event) error
	ToDocument(ctx context.Context, documentID string, ev Event, exclude Exclude) error
}
