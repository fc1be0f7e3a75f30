package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JobKind is the discriminator of the push job wire format.
type JobKind string

const (
	KindUser   JobKind = "user"
	KindTeam   JobKind = "team"
	KindAgency JobKind = "agency"
	KindUsers  JobKind = "users"
)

// PushPayload is the content of a push notification.
type PushPayload struct {
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
	ImageURL      string            `json:"imageUrl,omitempty"`
	DeepLink      string            `json:"deepLink,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// PushOptions are carried by every job kind.
type PushOptions struct {
	Payload  PushPayload
	Priority Priority
	TTL      int // seconds
}

// PushJob is a closed set of job kinds: UserPush, TeamPush, AgencyPush and
// UsersPush. Consumers switch on the concrete type.
type PushJob interface {
	Kind() JobKind
	Options() PushOptions
	pushJob()
}

type UserPush struct {
	UserID string
	PushOptions
}

type TeamPush struct {
	TeamID string
	PushOptions
}

type AgencyPush struct {
	AgencyID string
	PushOptions
}

type UsersPush struct {
	UserIDs []string
	PushOptions
}

func (UserPush) Kind() JobKind   { return KindUser }
func (TeamPush) Kind() JobKind   { return KindTeam }
func (AgencyPush) Kind() JobKind { return KindAgency }
func (UsersPush) Kind() JobKind  { return KindUsers }

func (j UserPush) Options() PushOptions   { return j.PushOptions }
func (j TeamPush) Options() PushOptions   { return j.PushOptions }
func (j AgencyPush) Options() PushOptions { return j.PushOptions }
func (j UsersPush) Options() PushOptions  { return j.PushOptions }

func (UserPush) pushJob()   {}
func (TeamPush) pushJob()   {}
func (AgencyPush) pushJob() {}
func (UsersPush) pushJob()  {}

// ErrUnknownJobKind is returned by DecodeJob for an unrecognised discriminator.
var ErrUnknownJobKind = errors.New("unknown push job kind")

// jobWire is the queue representation: {kind, id|ids, payload, priority, ttl}.
type jobWire struct {
	Kind     JobKind     `json:"kind"`
	ID       string      `json:"id,omitempty"`
	IDs      []string    `json:"ids,omitempty"`
	Payload  PushPayload `json:"payload"`
	Priority Priority    `json:"priority,omitempty"`
	TTL      int         `json:"ttl,omitempty"`
}

// EncodeJob serialises a job for the push queue.
func EncodeJob(job PushJob) ([]byte, error) {
	opts := job.Options()
	w := jobWire{
		Kind:     job.Kind(),
		Payload:  opts.Payload,
		Priority: opts.Priority,
		TTL:      opts.TTL,
	}
	switch j := job.(type) {
	case UserPush:
		w.ID = j.UserID
	case TeamPush:
		w.ID = j.TeamID
	case AgencyPush:
		w.ID = j.AgencyID
	case UsersPush:
		w.IDs = j.UserIDs
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownJobKind, job)
	}
	return json.Marshal(w)
}

// DecodeJob parses the queue representation back into a concrete job.
func DecodeJob(data []byte) (PushJob, error) {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push job: %w", err)
	}
	opts := PushOptions{Payload: w.Payload, Priority: w.Priority, TTL: w.TTL}

	switch w.Kind {
	case KindUser:
		if w.ID == "" {
			return nil, fmt.Errorf("push job of kind %q has no id", w.Kind)
		}
		return UserPush{UserID: w.ID, PushOptions: opts}, nil
	case KindTeam:
		if w.ID == "" {
			return nil, fmt.Errorf("push job of kind %q has no id", w.Kind)
		}
		return TeamPush{TeamID: w.ID, PushOptions: opts}, nil
	case KindAgency:
		if w.ID == "" {
			return nil, fmt.Errorf("push job of kind %q has no id", w.Kind)
		}
		return AgencyPush{AgencyID: w.ID, PushOptions: opts}, nil
	case KindUsers:
		return UsersPush{UserIDs: w.IDs, PushOptions: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, w.Kind)
	}
}
