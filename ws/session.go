package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/pubsub/broker"
)

// Session state machine. Admission happens before a Session exists (the HTTP
// layer checks the credential and closes unauthenticated sockets with 4401),
// so the machine starts in active.
const (
	stateActive int32 = iota
	stateDraining
	stateClosed
)

// writeWait bounds a single transport write so one dead peer cannot wedge a
// writer goroutine.
const writeWait = 10 * time.Second

// subscription pairs the delivery queue for one topic with the cancel
// function of its writer goroutine.
type subscription struct {
	clientID string
	queue    *broker.Queue
	cancel   context.CancelFunc
}

// Session is the per-connection protocol machine: it reads frames from the
// socket, dispatches them to the broker, and runs one writer goroutine per
// subscription. A single send mutex serializes every outbound frame, so
// acks, replay events, live events and errors interleave only at frame
// boundaries.
type Session struct {
	id     string
	conn   *websocket.Conn
	broker *broker.Broker
	log    *slog.Logger

	sendMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription

	state     atomic.Int32
	closeOnce sync.Once
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the structured logger for session diagnostics.
func WithLogger(log *slog.Logger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSession wraps an upgraded connection. The session does nothing until
// Run is called.
func NewSession(conn *websocket.Conn, b *broker.Broker, opts ...SessionOption) *Session {
	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		broker: b,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("session_id", s.id))
	return s
}

// ID implements broker.SessionHandle.
func (s *Session) ID() string { return s.id }

// Run registers the session with the broker and reads frames until the
// transport closes or the session is force-closed. It always leaves the
// broker in a clean state: writers joined, queues detached, session
// deregistered.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.broker.AddSession(s)
	s.log.Info("session connected")

	defer func() {
		s.Close(websocket.CloseNormalClosure)
		s.wg.Wait()
		s.broker.RemoveSession(s.id)
		s.log.Info("session disconnected")
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				s.log.Debug("transport read failed", slog.Any("error", err))
			}
			return nil
		}
		s.dispatch(data)
	}
}

// dispatch routes one inbound frame. During drain every frame except ping is
// rejected with SERVICE_UNAVAILABLE; the writers keep flushing their queues.
func (s *Session) dispatch(data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError("", CodeBadRequest, "invalid JSON")
		return
	}

	if s.draining() && f.Type != typePing {
		s.sendError(f.RequestID, CodeServiceUnavailable, "server is shutting down")
		return
	}

	switch f.Type {
	case typeSubscribe:
		s.handleSubscribe(f)
	case typeUnsubscribe:
		s.handleUnsubscribe(f)
	case typePublish:
		s.handlePublish(f)
	case typePing:
		s.send(pongFrame{Type: "pong", RequestID: f.RequestID, TS: timestamp()})
	default:
		s.sendError(f.RequestID, CodeBadRequest, "unknown message type: "+f.Type)
	}
}

func (s *Session) draining() bool {
	return s.state.Load() == stateDraining || s.broker.ShuttingDown()
}

func (s *Session) handleSubscribe(f clientFrame) {
	if f.Topic == "" || f.ClientID == "" {
		s.sendError(f.RequestID, CodeBadRequest, "missing required fields: topic, client_id")
		return
	}
	if !broker.ValidTopicName(f.Topic) {
		s.sendError(f.RequestID, CodeBadRequest, "invalid topic name")
		return
	}
	lastN := 0
	if f.LastN != nil {
		lastN = *f.LastN
	}
	if lastN < 0 {
		s.sendError(f.RequestID, CodeBadRequest, "last_n must be non-negative")
		return
	}

	s.mu.Lock()
	_, dup := s.subs[f.Topic]
	s.mu.Unlock()
	if dup {
		s.sendError(f.RequestID, CodeBadRequest, "already subscribed to topic: "+f.Topic)
		return
	}

	q, replay, err := s.broker.Subscribe(f.Topic, f.ClientID, lastN)
	if err != nil {
		s.sendBrokerError(f.RequestID, err)
		return
	}

	subCtx, cancel := context.WithCancel(s.ctx)
	sub := &subscription{clientID: f.ClientID, queue: q, cancel: cancel}
	s.mu.Lock()
	s.subs[f.Topic] = sub
	s.mu.Unlock()

	s.sendAck(f.RequestID, f.Topic)
	for _, m := range replay {
		if err := s.sendEvent(f.Topic, m); err != nil {
			return
		}
		s.broker.MarkDelivered()
	}

	s.wg.Add(1)
	go s.writer(subCtx, f.Topic, sub)

	s.log.Info("subscribed",
		slog.String("topic", f.Topic),
		slog.String("client_id", f.ClientID),
		slog.Int("last_n", lastN))
}

func (s *Session) handleUnsubscribe(f clientFrame) {
	if f.Topic == "" || f.ClientID == "" {
		s.sendError(f.RequestID, CodeBadRequest, "missing required fields: topic, client_id")
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[f.Topic]
	if ok {
		delete(s.subs, f.Topic)
	}
	s.mu.Unlock()

	if !ok {
		if s.broker.HasTopic(f.Topic) {
			s.sendError(f.RequestID, CodeBadRequest, "not subscribed to topic: "+f.Topic)
		} else {
			s.sendError(f.RequestID, CodeTopicNotFound, "topic not found: "+f.Topic)
		}
		return
	}

	sub.cancel()
	if err := s.broker.Unsubscribe(f.Topic, sub.queue); err != nil && !errors.Is(err, broker.ErrTopicNotFound) {
		s.sendBrokerError(f.RequestID, err)
		return
	}
	s.sendAck(f.RequestID, f.Topic)
	s.log.Info("unsubscribed", slog.String("topic", f.Topic), slog.String("client_id", f.ClientID))
}

func (s *Session) handlePublish(f clientFrame) {
	if f.Topic == "" || f.Message == nil {
		s.sendError(f.RequestID, CodeBadRequest, "missing required fields: topic, message")
		return
	}
	if f.Message.ID == "" || len(f.Message.Payload) == 0 || string(f.Message.Payload) == "null" {
		s.sendError(f.RequestID, CodeBadRequest, "missing required fields: message.id, message.payload")
		return
	}
	if !broker.ValidTopicName(f.Topic) {
		s.sendError(f.RequestID, CodeBadRequest, "invalid topic name")
		return
	}
	if !broker.ValidMessageID(f.Message.ID) {
		s.sendError(f.RequestID, CodeBadRequest, "message.id must be a valid UUID")
		return
	}

	if _, err := s.broker.Publish(f.Topic, f.Message.ID, f.Message.Payload); err != nil {
		s.sendBrokerError(f.RequestID, err)
		return
	}
	s.sendAck(f.RequestID, f.Topic)
}

// writer drains one subscription queue to the transport. Events for a single
// subscription stay in strict publish order because this goroutine is the
// queue's sole consumer. It also watches the consecutive-drop counter and
// evicts the whole session once the slow-consumer threshold is crossed.
func (s *Session) writer(ctx context.Context, topic string, sub *subscription) {
	defer s.wg.Done()

	threshold := s.broker.Config().SlowConsumerThreshold
	for {
		m, err := sub.queue.Take(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrQueueClosed) && sub.queue.Reason() == broker.CloseTopicDeleted {
				s.removeSub(topic)
				_ = s.SendInfo("topic deleted", topic)
			}
			return
		}

		if err := s.sendEvent(topic, m); err != nil {
			return
		}
		s.broker.MarkDelivered()

		if threshold > 0 && sub.queue.ConsecutiveDrops() >= threshold {
			s.sendError("", CodeSlowConsumer, "consumer too slow, disconnecting")
			s.log.Warn("evicting slow consumer",
				slog.String("topic", topic),
				slog.String("client_id", sub.clientID),
				slog.Int("consecutive_drops", sub.queue.ConsecutiveDrops()))
			s.Close(websocket.ClosePolicyViolation)
			return
		}
	}
}

func (s *Session) removeSub(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, topic)
}

// SendInfo implements broker.SessionHandle.
func (s *Session) SendInfo(msg, topic string) error {
	return s.send(infoFrame{Type: "info", Msg: msg, Topic: topic, TS: timestamp()})
}

// BeginDrain implements broker.SessionHandle. Only an active session can
// enter draining; a closed one stays closed.
func (s *Session) BeginDrain() {
	s.state.CompareAndSwap(stateActive, stateDraining)
}

// Close implements broker.SessionHandle. It transitions the session to
// closed, detaches every queue from its topic, and closes the transport
// with the given code. Only the first call takes effect; writers are joined
// by Run, not here, so a writer may safely trigger its own session's close.
func (s *Session) Close(code int) {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[string]*subscription)
		s.mu.Unlock()

		for topic, sub := range subs {
			sub.cancel()
			_ = s.broker.Unsubscribe(topic, sub.queue)
		}

		s.sendMu.Lock()
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		s.sendMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) sendAck(requestID, topic string) {
	s.send(ackFrame{Type: "ack", RequestID: requestID, Topic: topic, Status: "ok", TS: timestamp()})
}

func (s *Session) sendEvent(topic string, m broker.Message) error {
	return s.send(eventFrame{
		Type:  "event",
		Topic: topic,
		Message: eventMessage{
			ID:      m.ID,
			Payload: m.Payload,
			TS:      m.TS.Format(time.RFC3339),
		},
		TS: timestamp(),
	})
}

func (s *Session) sendError(requestID, code, msg string) {
	s.send(errorFrame{
		Type:      "error",
		RequestID: requestID,
		Error:     errorBody{Code: code, Message: msg},
		TS:        timestamp(),
	})
}

// sendBrokerError maps broker sentinel errors onto protocol error frames.
func (s *Session) sendBrokerError(requestID string, err error) {
	switch {
	case errors.Is(err, broker.ErrTopicNotFound):
		s.sendError(requestID, CodeTopicNotFound, err.Error())
	case errors.Is(err, broker.ErrShuttingDown):
		s.sendError(requestID, CodeServiceUnavailable, err.Error())
	default:
		s.sendError(requestID, CodeBadRequest, err.Error())
	}
}

// send serializes one frame to the transport under the session send mutex.
func (s *Session) send(v any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}
