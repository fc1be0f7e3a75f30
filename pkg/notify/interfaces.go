package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthenticated is returned by an Authenticator for a missing,
	// invalid or expired token, or an unknown or inactive user.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEmptyRecipients is returned for a dispatch addressed to an empty
	// explicit recipient list.
	ErrEmptyRecipients = errors.New("no recipients")
)

// Authenticator verifies a connection token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Directory resolves group membership. Only active users are returned.
type Directory interface {
	TeamMembers(ctx context.Context, teamID string) ([]string, error)
	AgencyMembers(ctx context.Context, agencyID string) ([]string, error)
}

// NotificationStore persists one row per recipient. InsertMany skips rows whose
// (CorrelationID, UserID) pair already exists and reports how many were written.
type NotificationStore interface {
	InsertMany(ctx context.Context, rows []Notification) (int, error)
}

// DeviceTokenStore looks up and prunes push tokens.
type DeviceTokenStore interface {
	FindByUsers(ctx context.Context, userIDs []string) ([]DeviceToken, error)
	DeleteTokens(ctx context.Context, tokens []string) (int, error)
}

// TokenFailure classifies a per-token provider error.
type TokenFailure int

const (
	FailureNone TokenFailure = iota
	// FailureInvalid means the token is permanently unusable and must be deleted.
	FailureInvalid
	// FailureTransient means the provider may accept the token later.
	FailureTransient
	// FailureOther is any other per-token failure.
	FailureOther
)

func (f TokenFailure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureInvalid:
		return "invalid"
	case FailureTransient:
		return "transient"
	default:
		return "other"
	}
}

// MulticastMessage is a provider-neutral push for up to one batch of tokens.
type MulticastMessage struct {
	Tokens   []string
	Title    string
	Body     string
	ImageURL string
	Data     map[string]string
	Priority Priority
	TTL      time.Duration
}

// SendResult is the outcome for one token of a multicast.
type SendResult struct {
	Token   string
	Err     error
	Failure TokenFailure
}

// BatchResult is the outcome of one multicast call.
type BatchResult struct {
	SuccessCount int
	FailureCount int
	Results      []SendResult
}

// Provider sends multicast pushes. A returned error means the whole call
// failed; per-token failures are reported in BatchResult.
type Provider interface {
	SendMulticast(ctx context.Context, msg *MulticastMessage) (*BatchResult, error)
}
