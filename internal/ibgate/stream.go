package ibgate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optlake/optlake/internal/model"
)

// Market-data field codes on the streaming surface.
const (
	fieldLast         = "31"
	fieldBid          = "84"
	fieldAsk          = "86"
	fieldVolume       = "87"
	fieldIV           = "7283"
	fieldDelta        = "7308"
	fieldGamma        = "7309"
	fieldTheta        = "7310"
	fieldVega         = "7311"
	fieldOpenInterest = "7289"
	fieldCallOI       = "7295"
	fieldPutOI        = "7296"
	fieldAvailability = "6509"
)

// StreamConfig holds websocket connection settings.
type StreamConfig struct {
	URL          string
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultStreamConfig returns sensible defaults for a gateway at url.
func DefaultStreamConfig(url string) StreamConfig {
	return StreamConfig{
		URL:          url,
		PingTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// StreamConn is one websocket connection to the gateway's streaming
// surface. It maintains the latest quote per subscribed conid; a
// QuoteSubscription is a filtered view over that table.
type StreamConn struct {
	cfg    StreamConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	errors chan error
	done   chan struct{}

	mu        sync.RWMutex
	connected bool
	closed    bool
	lastBeat  time.Time
	quotes    map[int64]model.Quote
	subCount  map[int64]int
}

// NewStreamConn creates a streaming client.
func NewStreamConn(cfg StreamConfig, logger *slog.Logger) *StreamConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamConn{
		cfg:      cfg,
		logger:   logger,
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		quotes:   make(map[int64]model.Quote),
		subCount: make(map[int64]int),
	}
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops.
func (s *StreamConn) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastBeat = time.Now()
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastBeat = time.Now()
		s.mu.Unlock()
		return nil
	})

	go s.readLoop()
	go s.heartbeatLoop()

	s.logger.Debug("stream connected", "url", s.cfg.URL)
	return nil
}

// Close gracefully closes the connection.
func (s *StreamConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	close(s.done)

	if s.conn != nil {
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return s.conn.Close()
	}
	return nil
}

// IsConnected returns the current connection state.
func (s *StreamConn) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Errors returns the connection error channel.
func (s *StreamConn) Errors() <-chan error { return s.errors }

// send writes one text frame, serialized.
func (s *StreamConn) send(data []byte) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// fieldsFor maps the generic tick list to streaming field codes.
func fieldsFor(genericTicks string) []string {
	fields := []string{fieldLast, fieldBid, fieldAsk, fieldVolume, fieldAvailability}
	for _, tick := range strings.Split(genericTicks, ",") {
		switch strings.TrimSpace(tick) {
		case "101":
			fields = append(fields, fieldOpenInterest, fieldCallOI, fieldPutOI)
		case "106":
			fields = append(fields, fieldIV, fieldDelta, fieldGamma, fieldTheta, fieldVega)
		}
	}
	return fields
}

// Subscribe opens market-data subscriptions for the conids.
func (s *StreamConn) Subscribe(ctx context.Context, conids []int64, genericTicks string) (QuoteSubscription, error) {
	fields := fieldsFor(genericTicks)
	args, err := json.Marshal(struct {
		Fields []string `json:"fields"`
	}{Fields: fields})
	if err != nil {
		return nil, err
	}

	for _, conid := range conids {
		msg := fmt.Sprintf("smd+%d+%s", conid, args)
		if err := s.send([]byte(msg)); err != nil {
			return nil, fmt.Errorf("subscribe conid %d: %w", conid, err)
		}
		s.mu.Lock()
		s.subCount[conid]++
		s.mu.Unlock()
	}

	return &streamSubscription{stream: s, conids: conids}, nil
}

type streamSubscription struct {
	stream *StreamConn
	conids []int64
	once   sync.Once
}

// Quotes returns the current accumulated quotes for the subscription.
func (sub *streamSubscription) Quotes() map[int64]model.Quote {
	sub.stream.mu.RLock()
	defer sub.stream.mu.RUnlock()

	out := make(map[int64]model.Quote, len(sub.conids))
	for _, conid := range sub.conids {
		if q, ok := sub.stream.quotes[conid]; ok {
			out[conid] = q
		}
	}
	return out
}

// Cancel unsubscribes all conids. Idempotent.
func (sub *streamSubscription) Cancel() {
	sub.once.Do(func() {
		for _, conid := range sub.conids {
			sub.stream.mu.Lock()
			sub.stream.subCount[conid]--
			last := sub.stream.subCount[conid] <= 0
			if last {
				delete(sub.stream.subCount, conid)
				delete(sub.stream.quotes, conid)
			}
			sub.stream.mu.Unlock()

			if last {
				sub.stream.send([]byte(fmt.Sprintf("umd+%d+{}", conid)))
			}
		}
	})
}

// readLoop consumes stream frames and folds them into the quote table.
func (s *StreamConn) readLoop() {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				select {
				case s.errors <- err:
				default:
				}
			}
			return
		}

		s.handleFrame(data)
	}
}

// handleFrame updates the quote table from one market-data frame.
func (s *StreamConn) handleFrame(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	var topic string
	if t, ok := raw["topic"]; ok {
		json.Unmarshal(t, &topic)
	}
	if !strings.HasPrefix(topic, "smd+") {
		return
	}
	conid, err := strconv.ParseInt(strings.TrimPrefix(topic, "smd+"), 10, 64)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBeat = time.Now()

	q := s.quotes[conid]
	q.Conid = conid

	if ts, ok := raw["_updated"]; ok {
		var ms int64
		if json.Unmarshal(ts, &ms) == nil && ms > 0 {
			q.ServerTime = time.UnixMilli(ms).UTC()
		}
	}

	setF := func(key string, dst **float64) {
		if v, ok := raw[key]; ok {
			if f, ok := parseStreamFloat(v); ok {
				*dst = &f
			}
		}
	}
	setF(fieldBid, &q.Bid)
	setF(fieldAsk, &q.Ask)
	setF(fieldLast, &q.Last)
	setF(fieldIV, &q.IV)
	setF(fieldDelta, &q.Delta)
	setF(fieldGamma, &q.Gamma)
	setF(fieldTheta, &q.Theta)
	setF(fieldVega, &q.Vega)
	setF(fieldOpenInterest, &q.OpenInterest)
	setF(fieldCallOI, &q.CallOpenInterest)
	setF(fieldPutOI, &q.PutOpenInterest)

	if v, ok := raw[fieldVolume]; ok {
		if f, ok := parseStreamFloat(v); ok {
			n := int64(f)
			q.Volume = &n
		}
	}

	if v, ok := raw[fieldAvailability]; ok {
		var avail string
		if json.Unmarshal(v, &avail) == nil && avail != "" {
			q.MarketDataType = availabilityToType(avail)
		}
	}

	s.quotes[conid] = q
}

// parseStreamFloat accepts both JSON numbers and numeric strings, which
// the stream mixes freely.
func parseStreamFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	str = strings.TrimSpace(strings.ReplaceAll(str, ",", ""))
	if str == "" || str == "N/A" {
		return 0, false
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// availabilityToType maps the availability code to a market-data type.
func availabilityToType(avail string) model.MarketDataType {
	switch avail[0] {
	case 'R':
		return model.MarketDataLive
	case 'Z':
		return model.MarketDataFrozen
	case 'Y':
		return model.MarketDataDelayedFrozen
	case 'D':
		return model.MarketDataDelayed
	}
	return model.MarketDataLive
}

// heartbeatLoop monitors for stale connections.
func (s *StreamConn) heartbeatLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			last := s.lastBeat
			s.mu.RUnlock()

			if conn != nil {
				deadline := time.Now().Add(s.cfg.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
					s.logger.Debug("failed to send ping", "error", err)
				}
			}

			if time.Since(last) > s.cfg.PingTimeout {
				s.logger.Warn("stream stale, no heartbeat",
					"last_beat", last,
					"timeout", s.cfg.PingTimeout,
				)
				select {
				case s.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
