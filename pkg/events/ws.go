package events

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsRedialDelay  = 5 * time.Second
)

// WSPublisher pushes events as JSON frames to a status server. The
// connection is opened on first use and re-dialed after a failed write,
// at most once per wsRedialDelay.
type WSPublisher struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer
	logger   zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	lastDialAt time.Time
}

// NewWSPublisher creates a publisher for the status server at rawURL.
// http(s) schemes are mapped to ws(s).
func NewWSPublisher(rawURL, token string) (*WSPublisher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse status url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported status url scheme %q", u.Scheme)
	}

	return &WSPublisher{
		endpoint: u.String(),
		token:    token,
		dialer:   websocket.DefaultDialer,
		logger:   log.WithComponent("status"),
	}, nil
}

// Notify writes the event, dropping it if the server is unreachable
func (p *WSPublisher) Notify(ctx context.Context, event *Event) {
	stamp(event)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.dial(ctx); err != nil {
			metrics.UpdateComponent(metrics.ComponentStatus, false, err.Error())
			p.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("status server unreachable")
			return
		}
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := p.conn.WriteJSON(event); err != nil {
		p.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("failed to push event")
		_ = p.conn.Close()
		p.conn = nil
		metrics.UpdateComponent(metrics.ComponentStatus, false, err.Error())
		return
	}
	metrics.UpdateComponent(metrics.ComponentStatus, true, "")
}

func (p *WSPublisher) dial(ctx context.Context) error {
	if !p.lastDialAt.IsZero() && time.Since(p.lastDialAt) < wsRedialDelay {
		return fmt.Errorf("redial suppressed")
	}
	p.lastDialAt = time.Now()

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Token "+p.token)
	}
	conn, resp, err := p.dialer.DialContext(ctx, p.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("failed to dial %s (status %d): %w", p.endpoint, status, err)
	}
	p.conn = conn
	return nil
}

// Close closes the underlying connection
func (p *WSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = p.conn.Close()
	p.conn = nil
	return err
}
