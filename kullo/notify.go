package kullo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 25 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin  = 1 * time.Second
	reconnectMax  = 5 * time.Minute
	jitterDivisor = 2

	notifyReadLimit = 64 * 1024
)

// errAuthFailed is permanent: retrying with the same credentials is pointless.
var errAuthFailed = errors.New("auth failed")

// ChangeKind names the server resource a push notification refers to.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeProfile  ChangeKind = "profile"
	ChangeKeys     ChangeKind = "keys"
)

// ChangeEvent is delivered to the notifier's handler for every server push.
type ChangeEvent struct {
	Kind   ChangeKind
	Cursor int64
}

// wsConn abstracts the WebSocket connection so Notifier can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type subscribeMessage struct {
	Op       string `json:"op"`
	Address  string `json:"address"`
	LoginKey string `json:"loginKey"`
	Device   string `json:"device"`
	Cursor   int64  `json:"cursor"`
}

// NotifierConfig holds the parameters needed to listen for pushes.
type NotifierConfig struct {
	URL         string
	Device      string
	Cursor      int64
	Credentials Credentials
	OnChange    func(ChangeEvent)
}

// Notifier keeps a WebSocket open to the push endpoint and reports server
// side changes so the caller can schedule a sync instead of polling.
//
// A reader goroutine feeds inboundCh; a single event loop handles inbound
// messages and heartbeat ticks and owns all writes to the connection.
type Notifier struct {
	conn   wsConn
	logger *slog.Logger

	url      string
	device   string
	creds    Credentials
	onChange func(ChangeEvent)

	dial func(ctx context.Context, url string) (wsConn, error)

	cursor   int64
	cursorMu sync.Mutex

	inboundCh  chan inboundMsg
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewNotifier creates a notifier. Call Listen to connect.
func NewNotifier(cfg NotifierConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		logger:   logger,
		url:      cfg.URL,
		device:   cfg.Device,
		creds:    cfg.Credentials,
		onChange: cfg.OnChange,
		cursor:   cfg.Cursor,
		dial:     dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"User-Agent": []string{"kullo-sync"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Cursor returns the id of the last change seen.
func (n *Notifier) Cursor() int64 {
	n.cursorMu.Lock()
	defer n.cursorMu.Unlock()

	return n.cursor
}

// Connect dials the endpoint and subscribes.
func (n *Notifier) Connect(ctx context.Context) error {
	if n.connCancel != nil {
		n.connCancel()
	}

	n.logger.Debug("connecting to push endpoint", slog.String("url", n.url))

	conn, err := n.dial(ctx, n.url)
	if err != nil {
		return err
	}

	return n.handshake(ctx, conn)
}

// handshake sends the subscription and waits for the acknowledgement.
func (n *Notifier) handshake(ctx context.Context, conn wsConn) error {
	n.conn = conn
	n.conn.SetReadLimit(notifyReadLimit)
	n.touchLastMessage()

	sub := subscribeMessage{
		Op:       "subscribe",
		Address:  string(n.creds.Address),
		LoginKey: n.creds.LoginKey,
		Device:   n.device,
		Cursor:   n.Cursor(),
	}
	if err := n.writeJSON(ctx, sub); err != nil {
		n.conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscribe: %w", err)
	}

	for {
		typ, data, err := n.conn.Read(ctx)
		if err != nil {
			n.conn.Close(websocket.StatusInternalError, "subscribe read failed")
			return fmt.Errorf("reading subscribe response: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		switch gjson.GetBytes(data, "op").Str {
		case "pong":
			continue
		case "subscribed":
		default:
			n.logger.Debug("unexpected message before subscribed", slog.String("op", gjson.GetBytes(data, "op").Str))
			continue
		}

		if res := gjson.GetBytes(data, "res").Str; res != "ok" {
			n.conn.Close(websocket.StatusNormalClosure, "auth failed")
			return fmt.Errorf("%w: %s", errAuthFailed, gjson.GetBytes(data, "error").Str)
		}

		n.logger.Info("push notifications subscribed", slog.Int64("cursor", n.Cursor()))

		return nil
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. It captures ch by value so a reader from an old
// connection cannot send into the channel of a new one.
func (n *Notifier) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 16)
	n.inboundCh = ch

	conn := n.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
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

// Listen connects if needed and runs the event loop with automatic
// reconnection. Returns only on permanent errors or context cancellation.
func (n *Notifier) Listen(ctx context.Context) error {
	backoff := reconnectMin

	if n.conn == nil {
		if err := n.Connect(ctx); err != nil {
			if errors.Is(err, errAuthFailed) {
				return fmt.Errorf("permanent error: %w", err)
			}

			n.logger.Warn("initial push connection failed", slog.String("error", err.Error()))

			if err := n.reconnectLoop(ctx, &backoff); err != nil {
				return err
			}
		}
	}

	for {
		connCtx, connCancel := context.WithCancel(ctx)
		n.connCancel = connCancel
		n.startReader(connCtx)

		err := n.eventLoop(ctx, connCtx)
		connCancel()

		if ctx.Err() != nil {
			n.Close()
			return ctx.Err()
		}

		if errors.Is(err, errAuthFailed) {
			return fmt.Errorf("permanent error: %w", err)
		}

		n.logger.Warn("push connection lost, reconnecting", slog.String("error", err.Error()))

		backoff = reconnectMin
		if err := n.reconnectLoop(ctx, &backoff); err != nil {
			return err
		}
	}
}

func (n *Notifier) reconnectLoop(ctx context.Context, backoff *time.Duration) error {
	for {
		jitter := time.Duration(rand.Int64N(int64(*backoff) / jitterDivisor))

		timer := time.NewTimer(*backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err := n.Connect(ctx)
		if err == nil {
			n.logger.Info("push connection re-established")
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errAuthFailed) {
			return fmt.Errorf("permanent reconnect error: %w", err)
		}

		n.logger.Warn("push reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("backoff", *backoff),
		)

		*backoff = min(*backoff*2, reconnectMax)
	}
}

func (n *Notifier) eventLoop(ctx, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-n.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			n.touchLastMessage()

			if msg.typ != websocket.MessageText {
				n.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := n.handleInbound(msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			n.lastMsgMu.Lock()
			elapsed := time.Since(n.lastMessage)
			n.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				n.logger.Warn("push connection timed out, closing")
				n.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := n.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound dispatches one text frame.
func (n *Notifier) handleInbound(data []byte) error {
	switch op := gjson.GetBytes(data, "op").Str; op {
	case "pong":
		return nil
	case "changed":
		ev := ChangeEvent{
			Kind:   ChangeKind(gjson.GetBytes(data, "kind").Str),
			Cursor: gjson.GetBytes(data, "cursor").Int(),
		}

		n.cursorMu.Lock()
		if ev.Cursor > n.cursor {
			n.cursor = ev.Cursor
		}
		n.cursorMu.Unlock()

		n.logger.Debug("server change", slog.String("kind", string(ev.Kind)), slog.Int64("cursor", ev.Cursor))

		if n.onChange != nil {
			n.onChange(ev)
		}
	case "revoked":
		return fmt.Errorf("%w: %s", errAuthFailed, gjson.GetBytes(data, "reason").Str)
	default:
		n.logger.Debug("ignoring push message", slog.String("op", op))
	}

	return nil
}

func (n *Notifier) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return n.conn.Write(ctx, websocket.MessageText, data)
}

func (n *Notifier) touchLastMessage() {
	n.lastMsgMu.Lock()
	n.lastMessage = time.Now()
	n.lastMsgMu.Unlock()
}

// Close shuts down the connection.
func (n *Notifier) Close() error {
	if n.connCancel != nil {
		n.connCancel()
	}

	if n.conn != nil {
		return n.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

// NotifyURL derives the push endpoint from an API base URL.
func NotifyURL(apiBase string) string {
	u := strings.Replace(apiBase, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	return strings.TrimRight(u, "/") + "/push"
}
