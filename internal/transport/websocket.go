package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"stocksync/config"
	"stocksync/logger"
)

const (
	topicPrefix       = "realtime:"
	heartbeatTopic    = "phoenix"
	heartbeatInterval = 25 * time.Second
	defaultJoinWait   = 10 * time.Second
)

// phoenixMessage is the framing used by the upstream realtime service. Every
// frame on the socket, in either direction, has this shape.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// wsChannel is one joined channel multiplexed over the shared socket.
type wsChannel struct {
	id     string
	topic  string
	events Events

	mu        sync.Mutex
	joined    bool
	closed    bool
	joinTimer *time.Timer
}

func (c *wsChannel) ID() string    { return c.id }
func (c *wsChannel) Topic() string { return c.topic }

func (c *wsChannel) emitStatus(s Status) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if s.Terminal() {
		c.closed = true
	}
	fn := c.events.OnStatus
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *wsChannel) emitRecord(r Record) {
	c.mu.Lock()
	fn := c.events.OnRecord
	closed := c.closed
	c.mu.Unlock()
	if !closed && fn != nil {
		fn(r)
	}
}

// RealtimeClient speaks the phoenix-style channel protocol of the hosted
// backend's realtime service over a single multiplexed websocket. Channels
// are joined per topic; row-level change records arrive as postgres_changes
// events.
type RealtimeClient struct {
	url         string
	apiKey      string
	dialTimeout time.Duration
	joinWait    time.Duration
	log         *logger.Log

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*wsChannel // keyed by topic

	writeMu sync.Mutex
}

// NewRealtimeClient creates a client for the configured realtime endpoint.
// No connection is made until the first OpenChannel call.
func NewRealtimeClient(cfg config.TransportConfig) *RealtimeClient {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &RealtimeClient{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		dialTimeout: dialTimeout,
		joinWait:    defaultJoinWait,
		log:         logger.GetLogger(),
	}
}

// OpenChannel joins a channel for the given topic specs. The returned handle
// stays valid until CloseChannel or a terminal status.
func (rc *RealtimeClient) OpenChannel(ctx context.Context, name string, topics []TopicSpec, events Events) (Handle, error) {
	ch := &wsChannel{
		id:     uuid.NewString(),
		topic:  topicPrefix + name,
		events: events,
	}

	rc.mu.Lock()
	if rc.channels == nil {
		rc.channels = make(map[string]*wsChannel)
	}
	if _, exists := rc.channels[ch.topic]; exists {
		rc.mu.Unlock()
		return nil, fmt.Errorf("channel %q already open", name)
	}
	if err := rc.ensureConnLocked(ctx); err != nil {
		rc.mu.Unlock()
		return nil, fmt.Errorf("failed to open channel %q: %w", name, err)
	}
	rc.channels[ch.topic] = ch
	rc.mu.Unlock()

	if err := rc.sendJoin(ch, topics); err != nil {
		rc.mu.Lock()
		delete(rc.channels, ch.topic)
		rc.mu.Unlock()
		return nil, fmt.Errorf("failed to join channel %q: %w", name, err)
	}

	// The join is acknowledged asynchronously on the read loop. If no reply
	// arrives within the wait window the channel is reported timed out.
	ch.mu.Lock()
	ch.joinTimer = time.AfterFunc(rc.joinWait, func() {
		ch.mu.Lock()
		joined := ch.joined
		ch.mu.Unlock()
		if !joined {
			rc.log.WithComponent("realtime_transport").WithFields(logger.Fields{
				"topic": ch.topic,
			}).Warn("channel join timed out")
			ch.emitStatus(StatusTimedOut)
		}
	})
	ch.mu.Unlock()

	return ch, nil
}

// CloseChannel leaves the channel and closes the socket when no channels
// remain. Closing an already-closed handle is a no-op.
func (rc *RealtimeClient) CloseChannel(handle Handle) error {
	ch, ok := handle.(*wsChannel)
	if !ok {
		return fmt.Errorf("unknown handle type %T", handle)
	}

	ch.mu.Lock()
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	ch.closed = true
	ch.mu.Unlock()

	rc.mu.Lock()
	if rc.channels[ch.topic] != ch {
		rc.mu.Unlock()
		return nil
	}
	delete(rc.channels, ch.topic)
	remaining := len(rc.channels)
	conn := rc.conn
	rc.mu.Unlock()

	if conn != nil {
		leave := phoenixMessage{Topic: ch.topic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: uuid.NewString()}
		if err := rc.write(conn, leave); err != nil {
			rc.log.WithComponent("realtime_transport").WithError(err).Warn("failed to send leave frame")
		}
	}

	if remaining == 0 {
		rc.mu.Lock()
		if rc.conn == conn && conn != nil {
			rc.conn = nil
		}
		rc.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
	return nil
}

func (rc *RealtimeClient) ensureConnLocked(ctx context.Context) error {
	if rc.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: rc.dialTimeout}
	url := rc.url
	if rc.apiKey != "" {
		url = url + "?apikey=" + rc.apiKey
	}
	dialCtx, cancel := context.WithTimeout(ctx, rc.dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	rc.conn = conn

	done := make(chan struct{})
	go rc.readLoop(conn, done)
	go rc.heartbeatLoop(conn, done)

	rc.log.WithComponent("realtime_transport").WithFields(logger.Fields{
		"url": rc.url,
	}).Info("realtime socket connected")
	return nil
}

func (rc *RealtimeClient) sendJoin(ch *wsChannel, topics []TopicSpec) error {
	type pgChange struct {
		Event  string `json:"event"`
		Schema string `json:"schema"`
		Table  string `json:"table"`
	}
	changes := make([]pgChange, 0, len(topics))
	for _, t := range topics {
		changes = append(changes, pgChange{Event: t.Event, Schema: "public", Table: t.Table})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"config": map[string]interface{}{"postgres_changes": changes},
	})
	if err != nil {
		return err
	}

	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("socket not connected")
	}
	return rc.write(conn, phoenixMessage{Topic: ch.topic, Event: "phx_join", Payload: payload, Ref: ch.id})
}

func (rc *RealtimeClient) write(conn *websocket.Conn, msg phoenixMessage) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(rc.dialTimeout))
	return conn.WriteJSON(msg)
}

func (rc *RealtimeClient) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := phoenixMessage{Topic: heartbeatTopic, Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: uuid.NewString()}
			if err := rc.write(conn, hb); err != nil {
				rc.log.WithComponent("realtime_transport").WithError(err).Warn("heartbeat write failed")
				return
			}
		}
	}
}

func (rc *RealtimeClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	log := rc.log.WithComponent("realtime_transport")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			rc.handleSocketClosed(conn, err)
			return
		}
		logger.RecordChannelMessage("realtime_ws", len(data))

		msg := gjson.ParseBytes(data)
		topic := msg.Get("topic").String()
		event := msg.Get("event").String()

		if topic == heartbeatTopic {
			continue
		}

		rc.mu.Lock()
		ch := rc.channels[topic]
		rc.mu.Unlock()
		if ch == nil {
			continue
		}

		switch event {
		case "phx_reply":
			status := msg.Get("payload.status").String()
			if msg.Get("ref").String() != ch.id {
				continue
			}
			if status == "ok" {
				ch.mu.Lock()
				ch.joined = true
				if ch.joinTimer != nil {
					ch.joinTimer.Stop()
				}
				ch.mu.Unlock()
				ch.emitStatus(StatusSubscribed)
			} else {
				log.WithFields(logger.Fields{"topic": topic, "status": status}).Warn("channel join rejected")
				ch.emitStatus(StatusChannelError)
			}
		case "postgres_changes":
			record := Record{
				Table: msg.Get("payload.data.table").String(),
				Event: msg.Get("payload.data.type").String(),
				New:   []byte(msg.Get("payload.data.record").Raw),
				Old:   []byte(msg.Get("payload.data.old_record").Raw),
			}
			ch.emitRecord(record)
		case "phx_close":
			ch.emitStatus(StatusClosed)
		case "phx_error":
			ch.emitStatus(StatusChannelError)
		default:
			log.WithFields(logger.Fields{"topic": topic, "event": event}).Debug("unhandled frame")
		}
	}
}

// handleSocketClosed tears down every channel on the socket with a closed
// status so the supervisor can schedule a reconnect.
func (rc *RealtimeClient) handleSocketClosed(conn *websocket.Conn, err error) {
	rc.mu.Lock()
	if rc.conn != conn {
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	orphans := make([]*wsChannel, 0, len(rc.channels))
	for _, ch := range rc.channels {
		orphans = append(orphans, ch)
	}
	rc.channels = make(map[string]*wsChannel)
	rc.mu.Unlock()

	conn.Close()
	rc.log.WithComponent("realtime_transport").WithError(err).Warn("realtime socket closed")
	for _, ch := range orphans {
		ch.mu.Lock()
		if ch.joinTimer != nil {
			ch.joinTimer.Stop()
		}
		ch.mu.Unlock()
		ch.emitStatus(StatusClosed)
	}
}
