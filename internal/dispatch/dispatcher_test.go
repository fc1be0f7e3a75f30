package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notify-service/internal/pushqueue"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// --- Mocks ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, env notify.Envelope) (int64, error) {
	args := m.Called(ctx, channel, env)
	return args.Get(0).(int64), args.Error(1)
}

type mockEmitter struct {
	mock.Mock
}

func (m *mockEmitter) EmitLocal(rooms []string, event string, payload json.RawMessage) int {
	args := m.Called(rooms, event, payload)
	return args.Int(0)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) TeamMembers(ctx context.Context, teamID string) ([]string, error) {
	args := m.Called(ctx, teamID)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockDirectory) AgencyMembers(ctx context.Context, agencyID string) ([]string, error) {
	args := m.Called(ctx, agencyID)
	return args.Get(0).([]string), args.Error(1)
}

// setPresence reports the listed users as online.
type setPresence map[string]bool

func (p setPresence) Partition(_ context.Context, ids []string) ([]string, []string, error) {
	var online, offline []string
	for _, id := range ids {
		if p[id] {
			online = append(online, id)
		} else {
			offline = append(offline, id)
		}
	}
	return online, offline, nil
}

// memoryStore ignores rows whose (correlation id, user) pair already exists.
type memoryStore struct {
	mu   sync.Mutex
	rows map[string]notify.Notification
}

func (s *memoryStore) InsertMany(_ context.Context, rows []notify.Notification) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = map[string]notify.Notification{}
	}
	n := 0
	for _, r := range rows {
		key := r.CorrelationID + "/" + r.UserID
		if _, ok := s.rows[key]; ok {
			continue
		}
		s.rows[key] = r
		n++
	}
	return n, nil
}

type failingStore struct{}

func (failingStore) InsertMany(context.Context, []notify.Notification) (int, error) {
	return 0, errors.New("db down")
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs [][]byte
	opts []pushqueue.Options
}

func (q *recordingQueue) Enqueue(_ context.Context, payload []byte, opts pushqueue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, payload)
	q.opts = append(q.opts, opts)
	return "job-1", nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *memoryStore
	publisher  *mockPublisher
	emitter    *mockEmitter
	directory  *mockDirectory
	queue      *recordingQueue
	logs       *bytes.Buffer
}

func setup(t *testing.T, online setPresence) *fixture {
	t.Helper()
	f := &fixture{
		store:     &memoryStore{},
		publisher: new(mockPublisher),
		emitter:   new(mockEmitter),
		directory: new(mockDirectory),
		queue:     &recordingQueue{},
		logs:      &bytes.Buffer{},
	}
	d, err := NewDispatcher(f.store, f.directory, online, f.publisher, f.emitter, f.queue, DefaultConfig(), nil, zerolog.New(f.logs))
	require.NoError(t, err)
	d.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	f.dispatcher = d
	return f
}

func decodeJob(t *testing.T, raw []byte) notify.PushJob {
	t.Helper()
	job, err := notify.DecodeJob(raw)
	require.NoError(t, err)
	return job
}

// --- Tests ---

func TestNewDispatcher_NilDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, new(mockDirectory), setPresence{}, new(mockPublisher), nil, &recordingQueue{}, Config{}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewDispatcher(&memoryStore{}, new(mockDirectory), setPresence{}, nil, nil, &recordingQueue{}, Config{}, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewDispatcher(&memoryStore{}, new(mockDirectory), setPresence{}, new(mockPublisher), nil, nil, Config{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSendToUser_OfflineEnqueuesPush(t *testing.T) {
	f := setup(t, setPresence{})

	res, err := f.dispatcher.SendToUser(context.Background(), "42", Request{Type: "alert", Title: "Hi", Message: "there"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Persisted)
	assert.False(t, res.Published)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, f.queue.jobs, 1)
	assert.JSONEq(t, `{"kind":"users","ids":["42"],"payload":{"title":"Hi","message":"there","correlationId":"`+res.CorrelationID+`"}}`, string(f.queue.jobs[0]))
	assert.Equal(t, pushqueue.Options{MaxAttempts: 3, Backoff: time.Second}, f.queue.opts[0])
	assert.Equal(t, "job-1", res.PushJobID)
}

func TestSendToTeam_SplitsOnlineAndOffline(t *testing.T) {
	f := setup(t, setPresence{"u1": true, "u2": true, "u3": true})
	f.directory.On("TeamMembers", mock.Anything, "7").Return([]string{"u1", "u2", "u3", "u4", "u5"}, nil)
	f.publisher.On("Publish", mock.Anything, "notifications", mock.MatchedBy(func(env notify.Envelope) bool {
		return env.TargetType == notify.TargetTeam &&
			assert.ObjectsAreEqual([]string{"7"}, env.TargetIDs) &&
			env.Event == "notification"
	})).Return(int64(2), nil).Once()

	res, err := f.dispatcher.SendToTeam(context.Background(), "7", Request{Type: "task", Title: "New task"})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Persisted)
	assert.Len(t, f.store.rows, 5)
	assert.True(t, res.Published)
	assert.Equal(t, int64(2), res.Subscribers)
	f.publisher.AssertExpectations(t)

	require.Len(t, f.queue.jobs, 1)
	job, ok := decodeJob(t, f.queue.jobs[0]).(notify.UsersPush)
	require.True(t, ok)
	assert.Equal(t, []string{"u4", "u5"}, job.UserIDs)
}

func TestPublishFailure_FallsBackToLocalEmit(t *testing.T) {
	f := setup(t, setPresence{"u1": true})
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("connection refused"))
	f.emitter.On("EmitLocal", []string{"user-u1"}, "notification", mock.Anything).Return(1)

	res, err := f.dispatcher.SendToUsers(context.Background(), []string{"u1", "u2"}, Request{Title: "x"})
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, 1, res.LocalDeliveries)
	f.emitter.AssertExpectations(t)

	var payload notify.RealtimePayload
	raw := f.emitter.Calls[0].Arguments.Get(2).(json.RawMessage)
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, res.CorrelationID, payload.CorrelationID)
	assert.Equal(t, int64(1_700_000_000_000), payload.CreatedAt)

	// u2 was offline and still gets a push.
	require.Len(t, f.queue.jobs, 1)

	entry := fallbackLogEntry(t, f.logs)
	require.NotNil(t, entry, "fallback must be logged")
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "connection refused", entry["error"])
}

// fallbackLogEntry returns the decoded log line carrying the fallback event.
func fallbackLogEntry(t *testing.T, logs *bytes.Buffer) map[string]any {
	t.Helper()
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["event"] == "stream_publish_failed_fallback_emit" {
			return entry
		}
	}
	return nil
}

func TestZeroSubscribersDoesNotFallBack(t *testing.T) {
	f := setup(t, setPresence{"u1": true})
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)

	res, err := f.dispatcher.SendToUser(context.Background(), "u1", Request{})
	require.NoError(t, err)
	assert.True(t, res.Published)
	assert.False(t, res.Fallback)
	f.emitter.AssertNotCalled(t, "EmitLocal", mock.Anything, mock.Anything, mock.Anything)
	assert.Nil(t, fallbackLogEntry(t, f.logs))
	assert.Empty(t, f.queue.jobs)
}

func TestRetriedDispatchPersistsOnce(t *testing.T) {
	f := setup(t, setPresence{})
	req := Request{Title: "again", CorrelationID: "c-1"}

	first, err := f.dispatcher.SendToUsers(context.Background(), []string{"u1", "u2", "u1"}, req)
	require.NoError(t, err)
	second, err := f.dispatcher.SendToUsers(context.Background(), []string{"u1", "u2"}, req)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Recipients)
	assert.Equal(t, 2, first.Persisted)
	assert.Equal(t, 0, second.Persisted)
	assert.Len(t, f.store.rows, 2)
	assert.Equal(t, "c-1", second.CorrelationID)
}

func TestEmptyRecipientsIsNoop(t *testing.T) {
	f := setup(t, setPresence{})
	f.directory.On("AgencyMembers", mock.Anything, "a1").Return([]string{}, nil)

	res, err := f.dispatcher.SendToAgency(context.Background(), "a1", Request{Title: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Recipients)
	assert.Empty(t, f.store.rows)
	assert.Empty(t, f.queue.jobs)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPersistFailureContinuesFanOut(t *testing.T) {
	q := &recordingQueue{}
	d, err := NewDispatcher(failingStore{}, new(mockDirectory), setPresence{}, new(mockPublisher), nil, q, DefaultConfig(), nil, zerolog.Nop())
	require.NoError(t, err)

	res, err := d.SendToUser(context.Background(), "u1", Request{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "db down", res.PersistError)
	assert.Len(t, q.jobs, 1)
}

func TestSendToUser_RequiresID(t *testing.T) {
	f := setup(t, setPresence{})
	_, err := f.dispatcher.SendToUser(context.Background(), "", Request{})
	assert.ErrorIs(t, err, notify.ErrEmptyRecipients)

	_, err = f.dispatcher.SendToUsers(context.Background(), []string{"", ""}, Request{})
	assert.ErrorIs(t, err, notify.ErrEmptyRecipients)
	assert.Empty(t, f.queue.jobs)
}
