package binance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type KlineHandler func(KlineEvent)

type StreamConfig struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

var errConnectionLost = errors.New("connection lost")

// Stream multiplexes kline subscriptions for many symbols over one lazily
// opened websocket connection. The connection is closed when the last
// subscription is removed and reopened on the next Subscribe.
type Stream struct {
	url          string
	dialer       *websocket.Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *logrus.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	dialing  *dialAttempt
	subs     map[string]int64
	nextID   int64
	handlers []KlineHandler
	closed   bool

	// writeMu serializes frames together with the subs change they announce.
	writeMu sync.Mutex
}

type dialAttempt struct {
	done chan struct{}
	conn *websocket.Conn
	err  error
}

func NewStream(config StreamConfig, logger *logrus.Logger) *Stream {
	url := config.URL
	if url == "" {
		url = StreamURL
	}
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	return &Stream{
		url:          url,
		dialer:       websocket.DefaultDialer,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		subs:         make(map[string]int64),
	}
}

// OnKline registers a handler invoked for every inbound kline event, in
// arrival order.
func (s *Stream) OnKline(handler KlineHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.conn != nil:
		return StateConnected
	case s.dialing != nil:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

func (s *Stream) Subscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[StreamName(symbol)]
	return ok
}

// Subscribe is a no-op for a symbol that is already subscribed.
func (s *Stream) Subscribe(ctx context.Context, symbol string) error {
	stream := StreamName(symbol)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if _, ok := s.subs[stream]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	// writeMu orders the frame with the bookkeeping change against Unsubscribe
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.subs[stream]; ok {
		s.mu.Unlock()
		return nil
	}
	if s.conn != conn {
		s.mu.Unlock()
		return &ConnectionError{URL: s.url, Err: errConnectionLost}
	}
	s.nextID++
	id := s.nextID
	s.subs[stream] = id
	s.mu.Unlock()

	req := subscriptionRequest{Method: "SUBSCRIBE", Params: []string{stream}, ID: id}
	if err := s.write(conn, req); err != nil {
		s.mu.Lock()
		if s.subs[stream] == id {
			delete(s.subs, stream)
		}
		s.mu.Unlock()

		s.logger.WithError(err).WithField("stream", stream).Error("Failed to subscribe")
		return &ConnectionError{URL: s.url, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"stream": stream,
		"id":     id,
	}).Info("Subscribed to kline stream")
	return nil
}

// Unsubscribe is a no-op for a symbol that is not subscribed. Removing the
// last subscription closes the connection.
func (s *Stream) Unsubscribe(symbol string) error {
	stream := StreamName(symbol)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	id, ok := s.subs[stream]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, stream)
	conn := s.conn
	last := len(s.subs) == 0
	if last {
		s.conn = nil
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	req := subscriptionRequest{Method: "UNSUBSCRIBE", Params: []string{stream}, ID: id}
	sendErr := s.write(conn, req)
	if sendErr != nil {
		s.logger.WithError(sendErr).WithField("stream", stream).Warn("Failed to send unsubscribe")
	}

	if last {
		s.logger.Info("Last subscription removed, closing kline stream")
		conn.Close()
	} else {
		s.logger.WithField("stream", stream).Info("Unsubscribed from kline stream")
	}

	if sendErr != nil {
		return &ConnectionError{URL: s.url, Err: sendErr}
	}
	return nil
}

// Close shuts the stream down permanently.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.subs = make(map[string]int64)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connect returns the live connection, dialing it if needed. Concurrent
// callers share a single dial.
func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	attempt := s.dialing
	if attempt == nil {
		attempt = &dialAttempt{done: make(chan struct{})}
		s.dialing = attempt
		go s.dial(attempt)
	}
	s.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.conn, attempt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) dial(attempt *dialAttempt) {
	defer close(attempt.done)

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	defer cancel()

	s.logger.WithField("url", s.url).Info("Connecting to kline stream")
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialing = nil

	if err != nil {
		s.logger.WithError(err).WithField("url", s.url).Error("Failed to connect to kline stream")
		attempt.err = &ConnectionError{URL: s.url, Err: err}
		return
	}
	if s.closed {
		conn.Close()
		attempt.err = ErrStreamClosed
		return
	}

	s.conn = conn
	attempt.conn = conn
	go s.readLoop(conn)
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.subs = make(map[string]int64)
				s.logger.WithError(err).Warn("Kline stream disconnected")
			}
			s.mu.Unlock()
			return
		}
		s.dispatch(data)
	}
}

func (s *Stream) dispatch(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.WithError(err).Warn("Failed to parse stream message")
		return
	}
	// subscription acks and other event types carry no kline
	if msg.Event != "kline" || msg.Kline == nil {
		return
	}

	kline, err := msg.Kline.toKline()
	if err != nil {
		s.logger.WithError(err).WithField("symbol", msg.Symbol).Warn("Failed to parse kline event")
		return
	}

	event := KlineEvent{Symbol: msg.Symbol, Kline: kline, Final: msg.Kline.Closed}

	s.mu.Lock()
	handlers := make([]KlineHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// write must be called with writeMu held.
func (s *Stream) write(conn *websocket.Conn, req subscriptionRequest) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(req)
}
