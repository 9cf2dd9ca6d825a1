package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"github.com/tradeyard/tradeyard-sync/internal/auth"
	syncerrors "github.com/tradeyard/tradeyard-sync/internal/errors"
	"github.com/tradeyard/tradeyard-sync/internal/metrics"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 20 * time.Second

	// defaultHandshakeTimeout bounds one dial-plus-handshake cycle so a
	// server that accepts the dial but never acknowledges cannot stall
	// the reconnect budget.
	defaultHandshakeTimeout = 15 * time.Second

	maxFrameSize = 1 * 1024 * 1024
)

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// socketOp is a client command submitted to the event loop.
type socketOp struct {
	payload interface{}
	result  chan error
}

// wsConn abstracts the WebSocket connection so SocketClient can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc dials the push channel. Replaced in tests.
type dialFunc func(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, error)

func defaultDial(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// SocketConfig holds the parameters for the push channel.
type SocketConfig struct {
	URL               string
	Device            string
	Auth              *auth.State
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

// SocketClient owns the push channel lifecycle: connect, authenticate,
// room joins, reconnect with a fixed delay and a bounded attempt count,
// and deterministic teardown. Exhausting the reconnect attempts puts the
// session into pull-only mode instead of failing.
//
// Architecture follows a single event loop: a reader goroutine feeds
// inboundCh with raw frames, and Listen processes inbound frames, client
// commands (opCh), and heartbeat ticks. All writes happen from the event
// loop, so no write mutex is needed.
type SocketClient struct {
	logger *slog.Logger

	url               string
	device            string
	auth              *auth.State
	reconnectDelay    time.Duration
	reconnectAttempts int
	handshakeTimeout  time.Duration

	conn wsConn
	dial dialFunc

	// events delivers decoded push events to the engine loop.
	events chan Event

	// opCh receives client commands (joins, sends) from caller goroutines.
	opCh chan socketOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// connCancel stops the reader goroutine of the current connection.
	connCancel context.CancelFunc

	state   ConnState
	stateMu sync.RWMutex

	// rooms holds every room this surface has joined. Re-joined after
	// each successful (re)connect.
	chatRooms     map[string]struct{}
	notifications bool
	roomsMu       sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewSocketClient creates a push channel client. Events() must be
// drained while Listen runs.
func NewSocketClient(cfg SocketConfig, logger *slog.Logger) *SocketClient {
	return &SocketClient{
		logger:            logger,
		url:               cfg.URL,
		device:            cfg.Device,
		auth:              cfg.Auth,
		reconnectDelay:    cfg.ReconnectDelay,
		reconnectAttempts: cfg.ReconnectAttempts,
		handshakeTimeout:  defaultHandshakeTimeout,
		dial:              defaultDial,
		events:            make(chan Event, 256),
		opCh:              make(chan socketOp, 64),
		chatRooms:         make(map[string]struct{}),
	}
}

// Events returns the channel of decoded push events.
func (s *SocketClient) Events() <-chan Event {
	return s.events
}

// State returns the current connection state.
func (s *SocketClient) State() ConnState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

// Connected reports whether the handshake has been acknowledged on the
// current connection.
func (s *SocketClient) Connected() bool {
	return s.State() == StateConnected
}

func (s *SocketClient) setState(st ConnState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()

	switch st {
	case StateConnecting, StateReconnecting:
		metrics.ConnectionState.Set(1)
	case StateConnected:
		metrics.ConnectionState.Set(2)
	case StatePullOnly:
		metrics.ConnectionState.Set(3)
	default:
		metrics.ConnectionState.Set(0)
	}
}

// JoinChat registers a conversation room. The join command is sent
// immediately when connected and re-sent after every reconnect.
func (s *SocketClient) JoinChat(ctx context.Context, conversationID string) error {
	s.roomsMu.Lock()
	s.chatRooms[conversationID] = struct{}{}
	s.roomsMu.Unlock()

	if !s.Connected() {
		return nil
	}

	return s.submit(ctx, joinChatCommand{Op: "join-chat", ChatID: conversationID})
}

// JoinNotifications registers the notification room.
func (s *SocketClient) JoinNotifications(ctx context.Context) error {
	s.roomsMu.Lock()
	s.notifications = true
	s.roomsMu.Unlock()

	if !s.Connected() {
		return nil
	}

	return s.submit(ctx, joinNotificationsCommand{Op: "join-notifications"})
}

// SendMessage emits a send-message command over the push channel.
// Returns ErrPullOnly when the channel is not connected so the caller
// can fall back to the REST path.
func (s *SocketClient) SendMessage(ctx context.Context, conversationID, body, messageType string) error {
	if !s.Connected() {
		return syncerrors.ErrPullOnly
	}

	return s.submit(ctx, sendMessageCommand{
		Op:          "send-message",
		ChatID:      conversationID,
		Message:     body,
		MessageType: messageType,
	})
}

// submit queues a command for the event loop and waits for the write result.
func (s *SocketClient) submit(ctx context.Context, payload interface{}) error {
	op := socketOp{payload: payload, result: make(chan error, 1)}

	select {
	case s.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect dials the channel and performs the handshake. The bearer token
// is attached both as a request header and as a query parameter so the
// fallback transport can authenticate too.
func (s *SocketClient) connect(ctx context.Context) error {
	if s.connCancel != nil {
		s.connCancel()
	}

	token := s.auth.Token()
	if token == "" {
		return fmt.Errorf("connecting: %w", syncerrors.ErrUnauthorized)
	}

	// The deadline covers dial, hello, and welcome; the established
	// connection is not bound by it.
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	u := s.url + "?token=" + url.QueryEscape(token)
	s.logger.Debug("connecting", slog.String("url", s.url))

	conn, err := s.dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	s.conn = conn
	s.conn.SetReadLimit(maxFrameSize)
	s.touchLastMessage()

	hello := helloMessage{Op: "hello", Token: token, Device: s.device}
	if err := s.writeJSON(ctx, hello); err != nil {
		s.conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("sending hello: %w", err)
	}

	// Read the handshake acknowledgment directly; the reader goroutine
	// does not start until the channel is confirmed live.
	var welcome welcomeMessage
	if err := s.readJSON(ctx, &welcome); err != nil {
		s.conn.Close(websocket.StatusInternalError, "handshake read failed")
		return fmt.Errorf("reading welcome: %w", err)
	}

	if welcome.Op != "welcome" {
		s.conn.Close(websocket.StatusNormalClosure, "handshake rejected")
		return fmt.Errorf("handshake rejected: %s", welcome.Op)
	}

	s.logger.Info("push channel authenticated", slog.String("user_id", welcome.UserID))

	return nil
}

// rejoinRooms re-issues join commands for every registered room. Called
// from the event loop owner right after a successful (re)connect.
func (s *SocketClient) rejoinRooms(ctx context.Context) error {
	s.roomsMu.Lock()
	rooms := make([]string, 0, len(s.chatRooms))
	for id := range s.chatRooms {
		rooms = append(rooms, id)
	}
	notifications := s.notifications
	s.roomsMu.Unlock()

	for _, id := range rooms {
		if err := s.writeJSON(ctx, joinChatCommand{Op: "join-chat", ChatID: id}); err != nil {
			return fmt.Errorf("joining chat %s: %w", id, err)
		}
	}

	if notifications {
		if err := s.writeJSON(ctx, joinNotificationsCommand{Op: "join-notifications"}); err != nil {
			return fmt.Errorf("joining notifications: %w", err)
		}
	}

	return nil
}

// startReader launches a goroutine that reads frames into inboundCh.
// The goroutine captures ch by value so a stale reader from a previous
// connection cannot feed the new channel.
func (s *SocketClient) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	s.inboundCh = ch

	go func() {
		for {
			typ, data, err := s.conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen runs the push channel until ctx is cancelled or reconnection is
// exhausted. On unexpected disconnect it retries with a fixed delay and
// a bounded attempt count; exhausting the attempts emits EventPullOnly
// and returns nil so the surface degrades to polling instead of failing.
func (s *SocketClient) Listen(ctx context.Context) error {
	attempts := 0

	// A credential rotation retries immediately with a fresh budget: the
	// failures so far may all belong to the old token.
	tokenCh, unsubscribe := s.auth.Subscribe()
	defer unsubscribe()

	for {
		if attempts == 0 {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
			metrics.Reconnects.Inc()
		}

		err := s.runConnection(ctx)

		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			return nil
		}

		s.emit(ctx, Event{Kind: EventDisconnected})

		attempts++
		if attempts > s.reconnectAttempts {
			s.logger.Warn("reconnect attempts exhausted, entering pull-only mode",
				slog.Int("attempts", attempts-1),
			)
			s.setState(StatePullOnly)
			s.emit(ctx, Event{Kind: EventPullOnly})

			return nil
		}

		s.logger.Warn("push channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", s.reconnectDelay),
			slog.Int("attempt", attempts),
		)

		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-tokenCh:
			timer.Stop()
			attempts = 0
			s.logger.Info("credential rotated, reconnecting immediately")
		case <-timer.C:
		}
	}
}

// runConnection performs one connect/handshake/event-loop cycle. Returns
// nil only on clean shutdown via ctx.
func (s *SocketClient) runConnection(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	defer connCancel()

	if err := s.rejoinRooms(ctx); err != nil {
		s.conn.Close(websocket.StatusInternalError, "rejoin failed")
		return err
	}

	s.setState(StateConnected)
	s.emit(ctx, Event{Kind: EventConnected})

	s.startReader(connCtx)

	err := s.eventLoop(ctx, connCtx)
	if s.conn != nil {
		s.conn.Close(websocket.StatusGoingAway, "connection cycle ended")
	}

	return err
}

// eventLoop is the single loop for one connection. All writes happen here.
func (s *SocketClient) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleInbound(ctx, msg.data)

		case op := <-s.opCh:
			err := s.writeJSON(ctx, op.payload)
			op.result <- err
			if err != nil {
				return fmt.Errorf("writing command: %w", err)
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("push channel timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, genericMessage{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return nil

		case <-connCtx.Done():
			return nil
		}
	}
}

// handleInbound decodes one server frame and forwards it as an Event.
// Frames with a missing identity are dropped and logged, never applied
// partially; the reconciler's buffer-and-refetch path covers recovery.
func (s *SocketClient) handleInbound(ctx context.Context, data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "new-message":
		var ev newMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.ChatID == "" || ev.Message.ID == "" {
			s.dropFrame(op, data)
			return
		}
		ev.Message.ConversationID = ev.ChatID
		s.emit(ctx, Event{
			Kind:           EventNewMessage,
			ConversationID: ev.ChatID,
			MessageID:      ev.Message.ID,
			Message:        &ev.Message,
		})

	case "message-updated":
		var ev messageUpdatedEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.ChatID == "" || ev.MessageID == "" {
			s.dropFrame(op, data)
			return
		}
		ev.Message.ID = ev.MessageID
		ev.Message.ConversationID = ev.ChatID
		s.emit(ctx, Event{
			Kind:           EventMessageUpdated,
			ConversationID: ev.ChatID,
			MessageID:      ev.MessageID,
			Message:        &ev.Message,
		})

	case "message-deleted":
		var ev messageDeletedEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.ChatID == "" || ev.MessageID == "" {
			s.dropFrame(op, data)
			return
		}
		s.emit(ctx, Event{
			Kind:           EventMessageDeleted,
			ConversationID: ev.ChatID,
			MessageID:      ev.MessageID,
		})

	case "new-notification":
		var ev newNotificationEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Notification.ID == "" {
			s.dropFrame(op, data)
			return
		}
		s.emit(ctx, Event{
			Kind:         EventNewNotification,
			Notification: &ev.Notification,
		})

	default:
		s.logger.Debug("unexpected frame", slog.String("op", op))
	}
}

func (s *SocketClient) dropFrame(op string, data []byte) {
	s.logger.Warn("dropping malformed event",
		slog.String("op", op),
		slog.Int("bytes", len(data)),
		slog.String("error", syncerrors.ErrBadPayload.Error()),
	)
}

func (s *SocketClient) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// Close cleanly shuts down the push channel. This is the only path that
// releases the connection; the engine calls it on unmount and logout.
func (s *SocketClient) Close() error {
	if s.connCancel != nil {
		s.connCancel()
	}

	s.setState(StateDisconnected)

	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (s *SocketClient) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Only called from
// the event loop or during connect (before the reader starts).
func (s *SocketClient) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame into v. Only called during connect.
func (s *SocketClient) readJSON(ctx context.Context, v interface{}) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	s.touchLastMessage()

	return json.Unmarshal(data, v)
}
