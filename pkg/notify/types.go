// Package notify contains the public domain models, collaborator interfaces
// and room naming rules for the notification service. It defines the contract
// shared by the gateway, the dispatcher and the push worker.
package notify

import (
	"encoding/json"
	"time"
)

// TargetType identifies the audience of an Envelope.
type TargetType string

const (
	TargetUser   TargetType = "user"
	TargetUsers  TargetType = "users"
	TargetTeam   TargetType = "team"
	TargetAgency TargetType = "agency"
)

// Identity is what an Authenticator resolves a connection token to.
type Identity struct {
	UserID   string `json:"userId"`
	AgencyID string `json:"agencyId,omitempty"`
	TeamID   string `json:"teamId,omitempty"`
}

// Session is a single live socket. It is owned by the gateway instance that
// accepted it and is never shared across processes.
type Session struct {
	UserID      string
	Handle      string
	ConnectedAt time.Time
}

// PresenceRecord is the shared, TTL-bound view of a user's presence.
type PresenceRecord struct {
	UserID   string `json:"userId"`
	AgencyID string `json:"agencyId,omitempty"`
	TeamID   string `json:"teamId,omitempty"`
	LastSeen int64  `json:"lastSeen"` // unix millis
}

// Envelope is the message carried on the pub/sub bus.
type Envelope struct {
	TargetType TargetType      `json:"targetType"`
	TargetIDs  []string        `json:"targetIds"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
}

// Notification is one persisted row per recipient. CorrelationID is shared by
// every row of a single dispatch.
type Notification struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          string            `json:"type"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
	Read          bool              `json:"read"`
	ReadAt        *time.Time        `json:"readAt,omitempty"`
	NavigatePath  string            `json:"navigatePath,omitempty"`
	CorrelationID string            `json:"correlationId"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// RealtimePayload is the payload of the envelope the dispatcher publishes for
// online recipients.
type RealtimePayload struct {
	CorrelationID string            `json:"correlationId"`
	Type          string            `json:"type"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
	NavigatePath  string            `json:"navigatePath,omitempty"`
	CreatedAt     int64             `json:"createdAt"`
}

// DeviceToken represents a push notification token for a user's device.
type DeviceToken struct {
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	Platform string `json:"platform"` // e.g., "ios", "android", "web"
}

// Priority is the delivery priority hint passed to the push provider.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)
