// Package realtime holds the websocket gateway: authenticated sockets, room
// membership, heartbeats, bus relay and the stale presence sweeper.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/bus"
	"github.com/tinywideclouds/go-notify-service/internal/telemetry"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Client and server event names.
const (
	EventConnected       = "connected"
	EventPing            = "ping"
	EventPong            = "pong"
	EventMessageSent     = "message_sent"
	EventMessageReceived = "message_received"
	EventError           = "error"
)

// Presence is the subset of presence.Store the gateway writes.
type Presence interface {
	MarkOnline(ctx context.Context, id notify.Identity, ttl time.Duration) error
	Refresh(ctx context.Context, id notify.Identity, handle string, ttl time.Duration) error
	MarkOffline(ctx context.Context, id notify.Identity) error
	AddSession(ctx context.Context, userID, handle string, ttl time.Duration) error
	RemoveSession(ctx context.Context, userID, handle string) (int64, error)
}

// Publisher relays client messages through the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, env notify.Envelope) (int64, error)
}

// Subscriber registers the gateway as the bus handler for its channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler bus.Handler) error
}

// Config controls the gateway.
type Config struct {
	Channel        string
	PresenceTTL    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	CleanupTimeout time.Duration
	MaxMessageSize int64
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Channel:        "notifications",
		PresenceTTL:    300 * time.Second,
		PingInterval:   25 * time.Second,
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		CleanupTimeout: 5 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Frame is the wire shape of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type messageSent struct {
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
	Type     string `json:"type"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client is one accepted socket. Only its writer goroutine writes to conn.
type client struct {
	id        notify.Identity
	handle    string
	rooms     []string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Gateway accepts websocket connections and delivers room-addressed events to
// the sockets held by this process.
type Gateway struct {
	auth      notify.Authenticator
	presence  Presence
	publisher Publisher
	metrics   *telemetry.Metrics
	cfg       Config
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewGateway creates a gateway. metrics may be nil.
func NewGateway(
	auth notify.Authenticator,
	presence Presence,
	publisher Publisher,
	cfg Config,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Gateway, error) {
	if auth == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if presence == nil {
		return nil, fmt.Errorf("presence cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = def.PresenceTTL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = def.CleanupTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	g := &Gateway{
		auth:      auth,
		presence:  presence,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With().Str("component", "Gateway").Logger(),
		rooms:     make(map[string]map[*client]struct{}),
		clients:   make(map[*client]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Attach subscribes the gateway to its bus channel.
func (g *Gateway) Attach(ctx context.Context, sub Subscriber) error {
	if err := sub.Subscribe(ctx, g.cfg.Channel, g.HandleEnvelope); err != nil {
		return fmt.Errorf("failed to attach gateway to channel %s: %w", g.cfg.Channel, err)
	}
	return nil
}

// HandleEnvelope is the bus handler: it maps the envelope target to rooms and
// emits to local sockets only.
func (g *Gateway) HandleEnvelope(_ context.Context, env notify.Envelope) {
	rooms := notify.RoomsFor(env)
	n := g.EmitLocal(rooms, env.Event, env.Payload)
	g.logger.Debug().Strs("rooms", rooms).Str("event", env.Event).Int("delivered", n).Msg("Relayed bus envelope")
}

// EmitLocal queues event on every local socket in any of rooms. A socket in
// several of the rooms receives the event once. It returns the number of
// sockets the event was queued on.
func (g *Gateway) EmitLocal(rooms []string, event string, payload json.RawMessage) int {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal frame")
		return 0
	}

	g.mu.RLock()
	targets := make(map[*client]struct{})
	for _, room := range rooms {
		for c := range g.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	g.mu.RUnlock()

	delivered := 0
	for c := range targets {
		if g.enqueue(c, frame) {
			delivered++
		}
	}
	return delivered
}

// ConnectionCount reports the sockets currently held.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ServeHTTP authenticates the request, upgrades it and runs the socket until
// the client goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	identity, err := g.auth.Authenticate(r.Context(), token)
	if err != nil || identity.UserID == "" {
		g.logger.Debug().Err(err).Msg("Rejected websocket connection")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	c := &client{
		id:     identity,
		handle: uuid.NewString(),
		rooms:  notify.RoomsForIdentity(identity),
		conn:   conn,
		send:   make(chan []byte, g.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if !g.register(c) {
		_ = conn.Close()
		return
	}
	defer g.wg.Done()

	log := g.logger.With().Str("user", identity.UserID).Str("session", c.handle).Logger()

	go g.writeLoop(c, log)
	defer g.disconnect(c, log)

	ctx := r.Context()
	if err := g.presence.AddSession(ctx, identity.UserID, c.handle, g.cfg.PresenceTTL); err != nil {
		log.Error().Err(err).Msg("Failed to add session")
	}
	if err := g.presence.MarkOnline(ctx, identity, g.cfg.PresenceTTL); err != nil {
		log.Error().Err(err).Msg("Failed to mark user online")
	}
	g.metrics.ConnectionOpened(context.Background())

	g.emit(c, EventConnected, map[string]any{
		"sessionId": c.handle,
		"timestamp": time.Now().UnixMilli(),
	})
	log.Info().Strs("rooms", c.rooms).Msg("User connected via WebSocket.")

	g.readLoop(c, log)
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	g.clients[c] = struct{}{}
	for _, room := range c.rooms {
		members, ok := g.rooms[room]
		if !ok {
			members = make(map[*client]struct{})
			g.rooms[room] = members
		}
		members[c] = struct{}{}
	}
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c)
	for _, room := range c.rooms {
		members := g.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
}

func (g *Gateway) readLoop(c *client, log zerolog.Logger) {
	c.conn.SetReadLimit(g.cfg.MaxMessageSize)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(g.cfg.PresenceTTL))
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				g.emitError(c, "invalid_frame", "frame is not valid json")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Socket closed unexpectedly")
			}
			return
		}
		g.handleFrame(c, frame, log)
	}
}

func (g *Gateway) handleFrame(c *client, frame Frame, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CleanupTimeout)
	defer cancel()

	switch frame.Event {
	case EventPing:
		if err := g.presence.Refresh(ctx, c.id, c.handle, g.cfg.PresenceTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh presence")
		}
		g.emit(c, EventPong, map[string]any{
			"timestamp":  time.Now().UnixMilli(),
			"nextPingMs": g.cfg.PingInterval.Milliseconds(),
		})
	case EventMessageSent:
		var msg messageSent
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.TargetID == "" {
			g.emitError(c, "invalid_payload", "message_sent requires targetId")
			return
		}
		g.relay(ctx, c, msg, log)
		if err := g.presence.Refresh(ctx, c.id, c.handle, g.cfg.PresenceTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to refresh presence")
		}
	default:
		g.emitError(c, "unknown_event", fmt.Sprintf("unknown event %q", frame.Event))
	}
}

// relay sends a client message to another user through the bus so that it
// reaches whichever instance holds the target's sockets.
func (g *Gateway) relay(ctx context.Context, c *client, msg messageSent, log zerolog.Logger) {
	payload, err := json.Marshal(map[string]any{
		"fromUserId": c.id.UserID,
		"message":    msg.Message,
		"type":       msg.Type,
		"timestamp":  time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal relayed message")
		return
	}
	env := notify.Envelope{
		TargetType: notify.TargetUser,
		TargetIDs:  []string{msg.TargetID},
		Event:      EventMessageReceived,
		Payload:    payload,
	}
	if _, err := g.publisher.Publish(ctx, g.cfg.Channel, env); err != nil {
		n := g.EmitLocal(notify.RoomsFor(env), env.Event, env.Payload)
		log.Warn().Err(err).
			Str("event", "stream_publish_failed_fallback_emit").
			Str("target", msg.TargetID).
			Int("delivered", n).
			Msg("Bus publish failed, emitting to local sockets")
	}
}

func (g *Gateway) emit(c *client, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event data")
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal frame")
		return
	}
	g.enqueue(c, frame)
}

func (g *Gateway) emitError(c *client, code, message string) {
	g.emit(c, EventError, errorData{Code: code, Message: message})
}

// enqueue never blocks: a socket whose buffer is full drops the frame.
func (g *Gateway) enqueue(c *client, frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		g.logger.Warn().Str("user", c.id.UserID).Str("session", c.handle).Msg("Send buffer full, dropping frame")
		return false
	}
}

func (g *Gateway) writeLoop(c *client, log zerolog.Logger) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("Write failed, closing socket")
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// disconnect releases local state and applies last-socket-wins to presence.
// Each presence step gets one retry; the sweeper covers anything left behind.
func (g *Gateway) disconnect(c *client, log zerolog.Logger) {
	c.close()
	g.unregister(c)
	g.metrics.ConnectionClosed(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CleanupTimeout)
	defer cancel()

	var remaining int64
	err := retryOnce(func() error {
		var err error
		remaining, err = g.presence.RemoveSession(ctx, c.id.UserID, c.handle)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to remove session, leaving it to the sweeper")
		return
	}
	if remaining > 0 {
		log.Info().Int64("remaining", remaining).Msg("Socket closed, user still has live sessions")
		return
	}
	if err := retryOnce(func() error { return g.presence.MarkOffline(ctx, c.id) }); err != nil {
		log.Error().Err(err).Msg("Failed to mark user offline, leaving it to the sweeper")
		return
	}
	log.Info().Msg("User disconnected.")
}

func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}

// Shutdown stops accepting sockets, closes every open socket and waits for
// their presence cleanup to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down gateway...")
	g.mu.Lock()
	g.closed = true
	open := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info().Int("closed", len(open)).Msg("Gateway shut down.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
