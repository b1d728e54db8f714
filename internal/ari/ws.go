package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// EventPump reads stasis events from the PBX WebSocket and delivers them,
// decoded, on a channel. It owns the events channel and closes it when the
// read loop exits.
type EventPump struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events opens the stasis WebSocket and starts the read loop. A refused
// connection is returned as an error; the caller decides whether that is
// fatal (it is, at startup).
func (c *Client) Events(ctx context.Context) (*EventPump, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, &OpError{Op: "events dial", Kind: KindTransport, Err: err}
	}
	// Stasis event bursts at call setup exceed the default limit.
	conn.SetReadLimit(1 << 20)

	pumpCtx, cancel := context.WithCancel(context.Background())
	p := &EventPump{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    pumpCtx,
		cancel: cancel,
	}
	go p.readLoop()
	return p, nil
}

// eventsURL derives the WebSocket endpoint from the REST root.
func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", &OpError{Op: "events dial", Kind: KindTransport, Err: err}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", &OpError{Op: "events dial", Kind: KindTransport,
			Msg: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.app)
	q.Set("api_key", c.username+":"+c.password)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop decodes events until the connection fails or the pump is closed.
func (p *EventPump) readLoop() {
	defer close(p.events)

	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.setErr(&OpError{Op: "events read", Kind: KindTransport, Err: err})
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.Type == "" {
			continue
		}

		select {
		case p.events <- evt:
		case <-p.ctx.Done():
			return
		}
	}
}

// Events returns the channel decoded stasis events arrive on. It is closed
// when the pump stops.
func (p *EventPump) Events() <-chan Event { return p.events }

// Err returns the error that terminated the read loop, or nil after a clean
// Close.
func (p *EventPump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errVal
}

func (p *EventPump) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errVal == nil {
		p.errVal = err
	}
}

// Close stops the read loop and closes the connection. Idempotent.
func (p *EventPump) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close(websocket.StatusNormalClosure, "pump closed")
	})
	return nil
}
