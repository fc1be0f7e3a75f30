package fcm

import (
	"context"
	"errors"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, msg)
	var resp *messaging.BatchResponse
	if v, ok := args.Get(0).(*messaging.BatchResponse); ok {
		resp = v
	}
	return resp, args.Error(1)
}

func newTestProvider(t *testing.T) (*Provider, *mockSender) {
	t.Helper()
	sender := new(mockSender)
	p, err := newProvider(sender, zerolog.Nop())
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p, sender
}

func TestNewProvider_NilClient(t *testing.T) {
	_, err := newProvider(nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSendMulticast_BuildsPlatformHeaders(t *testing.T) {
	p, sender := newTestProvider(t)
	sender.On("SendEachForMulticast", mock.Anything, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
		return assert.ObjectsAreEqual([]string{"a", "b"}, m.Tokens) &&
			m.Notification.Title == "Hi" &&
			m.Notification.Body == "there" &&
			m.Data["title"] == "Hi" &&
			m.Android.Priority == "normal" &&
			m.Android.TTL != nil && *m.Android.TTL == time.Hour &&
			m.APNS.Headers["apns-priority"] == "5" &&
			m.APNS.Headers["apns-expiration"] == "1700003600"
	})).Return(&messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 1,
		Responses: []*messaging.SendResponse{
			{Success: true, MessageID: "m1"},
			{Success: false, Error: errors.New("boom")},
		},
	}, nil)

	res, err := p.SendMulticast(context.Background(), &notify.MulticastMessage{
		Tokens:   []string{"a", "b"},
		Title:    "Hi",
		Body:     "there",
		Data:     map[string]string{"title": "Hi"},
		Priority: notify.PriorityNormal,
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	sender.AssertExpectations(t)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "a", res.Results[0].Token)
	assert.NoError(t, res.Results[0].Err)
	assert.Equal(t, notify.FailureNone, res.Results[0].Failure)
	assert.Equal(t, "b", res.Results[1].Token)
	assert.Equal(t, notify.FailureOther, res.Results[1].Failure)
}

func TestSendMulticast_HighPriorityWithoutTTL(t *testing.T) {
	p, sender := newTestProvider(t)
	sender.On("SendEachForMulticast", mock.Anything, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
		_, hasExpiry := m.APNS.Headers["apns-expiration"]
		return m.Android.Priority == "high" && m.Android.TTL == nil &&
			m.APNS.Headers["apns-priority"] == "10" && !hasExpiry
	})).Return(&messaging.BatchResponse{SuccessCount: 1, Responses: []*messaging.SendResponse{{Success: true}}}, nil)

	_, err := p.SendMulticast(context.Background(), &notify.MulticastMessage{Tokens: []string{"a"}, Priority: notify.PriorityHigh})
	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestSendMulticast_WholeCallFailure(t *testing.T) {
	p, sender := newTestProvider(t)
	sender.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(nil, errors.New("unavailable"))

	_, err := p.SendMulticast(context.Background(), &notify.MulticastMessage{Tokens: []string{"a"}})
	assert.Error(t, err)
}

func TestClassify_UntypedErrors(t *testing.T) {
	assert.Equal(t, notify.FailureNone, Classify(nil))
	assert.Equal(t, notify.FailureOther, Classify(errors.New("something else")))
}

var (
	errBadArgument  = errors.New("invalid argument")
	errUnregistered = errors.New("unregistered")
)

// withTestErrors makes the provider recognise the local sentinel errors the
// way it recognises the SDK's typed errors.
func withTestErrors(p *Provider) {
	p.classify = func(err error) notify.TokenFailure {
		switch {
		case err == nil:
			return notify.FailureNone
		case errors.Is(err, errUnregistered):
			return notify.FailureInvalid
		default:
			return notify.FailureOther
		}
	}
	p.invalidArgument = func(err error) bool { return errors.Is(err, errBadArgument) }
}

func TestSendMulticast_InvalidArgumentForWholeBatchKeepsTokens(t *testing.T) {
	p, sender := newTestProvider(t)
	withTestErrors(p)
	sender.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(&messaging.BatchResponse{
		FailureCount: 3,
		Responses: []*messaging.SendResponse{
			{Error: errBadArgument},
			{Error: errBadArgument},
			{Error: errBadArgument},
		},
	}, nil)

	res, err := p.SendMulticast(context.Background(), &notify.MulticastMessage{Tokens: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	for _, r := range res.Results {
		assert.Equal(t, notify.FailureOther, r.Failure, "token %s must not be pruned for a message-level error", r.Token)
	}
}

func TestSendMulticast_InvalidArgumentForSomeTokensPrunesThem(t *testing.T) {
	p, sender := newTestProvider(t)
	withTestErrors(p)
	sender.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(&messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 2,
		Responses: []*messaging.SendResponse{
			{Success: true},
			{Error: errBadArgument},
			{Error: errUnregistered},
		},
	}, nil)

	res, err := p.SendMulticast(context.Background(), &notify.MulticastMessage{Tokens: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, notify.FailureNone, res.Results[0].Failure)
	assert.Equal(t, notify.FailureInvalid, res.Results[1].Failure)
	assert.Equal(t, notify.FailureInvalid, res.Results[2].Failure)
}

func TestSendMulticast_SingleTokenInvalidArgumentIsKept(t *testing.T) {
	p, sender := newTestProvider(t)
	withTestErrors(p)
	sender.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(&messaging.BatchResponse{
		FailureCount: 1,
		Responses:    []*messaging.SendResponse{{Error: errBadArgument}},
	}, nil)

	res, err := p.SendMulticast(context.Background(), &notify.MulticastMessage{Tokens: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, notify.FailureOther, res.Results[0].Failure)
}
