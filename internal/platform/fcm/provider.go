// Package fcm delivers push notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// multicastSender is the part of *messaging.Client the provider uses.
type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Provider implements notify.Provider on FCM.
type Provider struct {
	client multicastSender
	logger zerolog.Logger
	now    func() time.Time

	classify        func(error) notify.TokenFailure
	invalidArgument func(error) bool
}

// NewProvider creates a Firebase app for projectID and returns a provider on
// its messaging client. An empty credentialsFile uses application default
// credentials.
func NewProvider(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*Provider, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}
	return newProvider(client, logger)
}

func newProvider(client multicastSender, logger zerolog.Logger) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("messaging client cannot be nil")
	}
	return &Provider{
		client: client,
		logger: logger.With().Str("component", "FCMProvider").Logger(),
		now:    time.Now,

		classify:        Classify,
		invalidArgument: errorutils.IsInvalidArgument,
	}, nil
}

// SendMulticast sends one batch. Per-token errors are classified for the
// worker's token triage.
func (p *Provider) SendMulticast(ctx context.Context, msg *notify.MulticastMessage) (*notify.BatchResult, error) {
	resp, err := p.client.SendEachForMulticast(ctx, p.toFCM(msg))
	if err != nil {
		return nil, fmt.Errorf("fcm multicast failed: %w", err)
	}

	out := &notify.BatchResult{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
		Results:      make([]notify.SendResult, len(resp.Responses)),
	}
	// Responses are in token order.
	invalidArgs := 0
	for i, r := range resp.Responses {
		res := notify.SendResult{}
		if i < len(msg.Tokens) {
			res.Token = msg.Tokens[i]
		}
		if r != nil && !r.Success {
			res.Err = r.Error
			res.Failure = p.classify(r.Error)
			if r.Error != nil && p.invalidArgument(r.Error) {
				invalidArgs++
			}
		}
		out.Results[i] = res
	}
	p.settleInvalidArguments(out, invalidArgs)
	p.logger.Debug().Int("success", resp.SuccessCount).Int("failure", resp.FailureCount).Msg("FCM multicast sent")
	return out, nil
}

// settleInvalidArguments decides what an INVALID_ARGUMENT means for a batch.
// FCM reports a bad message (oversized, bad data key) once per token, so when
// every token failed that way the message is at fault and no token is pruned.
// When other tokens took the same message, the rejected tokens are malformed.
func (p *Provider) settleInvalidArguments(out *notify.BatchResult, invalidArgs int) {
	if invalidArgs == 0 {
		return
	}
	if invalidArgs == len(out.Results) {
		p.logger.Error().Err(out.Results[0].Err).Int("tokens", invalidArgs).
			Msg("FCM rejected the message for every token, keeping tokens")
		return
	}
	for i := range out.Results {
		if err := out.Results[i].Err; err != nil && p.invalidArgument(err) {
			out.Results[i].Failure = notify.FailureInvalid
		}
	}
}

func (p *Provider) toFCM(msg *notify.MulticastMessage) *messaging.MulticastMessage {
	androidPriority, apnsPriority := "high", "10"
	if msg.Priority == notify.PriorityNormal {
		androidPriority, apnsPriority = "normal", "5"
	}
	out := &messaging.MulticastMessage{
		Tokens: msg.Tokens,
		Data:   msg.Data,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Android: &messaging.AndroidConfig{Priority: androidPriority},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
		},
	}
	if msg.TTL > 0 {
		ttl := msg.TTL
		out.Android.TTL = &ttl
		out.APNS.Headers["apns-expiration"] = strconv.FormatInt(p.now().Add(ttl).Unix(), 10)
	}
	return out
}

// Classify maps an FCM per-token error to a triage bucket. Only unregistered
// and sender-mismatched tokens are Invalid on their own. INVALID_ARGUMENT is
// Other here because it may describe the message rather than the token;
// SendMulticast settles it per batch.
func Classify(err error) notify.TokenFailure {
	switch {
	case err == nil:
		return notify.FailureNone
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		return notify.FailureInvalid
	case errorutils.IsUnavailable(err), errorutils.IsInternal(err), messaging.IsQuotaExceeded(err):
		return notify.FailureTransient
	default:
		return notify.FailureOther
	}
}
