package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"floorsync/internal/logger"
)

// Subscription stream timing, mirroring the server-side websocket settings.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	reconnectMin   = time.Second
	reconnectMax   = 30 * time.Second
	requestTimeout = 15 * time.Second
)

// Config carries the connection settings for the remote authority.
type Config struct {
	BaseURL string // e.g. https://sync.example.com
	APIKey  string
}

// Client talks to the remote authority over its REST surface and keeps a
// websocket open per change subscription.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *websocket.Dialer
	log     *logger.Logger
}

// NewClient builds a Client. Returns nil when no base URL is configured;
// a nil *Client stored in an Adapter-typed field must be avoided by the
// caller (wire the interface as nil instead).
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: requestTimeout},
		dialer:  websocket.DefaultDialer,
		log:     log,
	}
}

// Upsert inserts or overwrites one record, atomically keyed by conflictKey.
func (c *Client) Upsert(ctx context.Context, table string, record Record, conflictKey string) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", table, err)
	}

	u := fmt.Sprintf("%s/rest/v1/%s?on_conflict=%s", c.baseURL, table, url.QueryEscape(conflictKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates")

	return c.do(req, nil)
}

// Delete removes the record with the given id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	u := fmt.Sprintf("%s/rest/v1/%s?id=eq.%s", c.baseURL, table, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Select returns all records matching the equality filter.
func (c *Client) Select(ctx context.Context, table string, filter map[string]string) ([]Record, error) {
	q := url.Values{}
	q.Set("select", "*")
	for k, v := range filter {
		q.Set(k, "eq."+v)
	}

	u := fmt.Sprintf("%s/rest/v1/%s?%s", c.baseURL, table, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var out []Record
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens a change stream for table and invokes onChange for every
// event until the returned Unsubscribe is called. The connection is redialed
// with backoff after read failures; events can therefore be missed, which is
// why consumers re-query the full set on every event.
func (c *Client) Subscribe(table string, onChange func(Event)) (Unsubscribe, error) {
	wsURL, err := c.streamURL(table)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var closeOnce sync.Once

	go c.streamLoop(wsURL, table, onChange, done)

	return func() {
		closeOnce.Do(func() { close(done) })
	}, nil
}

func (c *Client) streamURL(table string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/realtime/v1"
	q := u.Query()
	q.Set("table", table)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// streamLoop keeps one websocket alive until done closes.
func (c *Client) streamLoop(wsURL, table string, onChange func(Event), done <-chan struct{}) {
	backoff := reconnectMin
	for {
		select {
		case <-done:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(wsURL, c.wsHeader())
		if err != nil {
			c.log.Warnw("remote_stream_dial_failed", "table", table, "err", err, "retry_in", backoff)
			select {
			case <-done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin

		c.readEvents(conn, table, onChange, done)
		_ = conn.Close()
	}
}

func (c *Client) wsHeader() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

// readEvents pumps events from one connection until it breaks or done closes.
func (c *Client) readEvents(conn *websocket.Conn, table string, onChange func(Event), done <-chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping writer; also watches done so Unsubscribe interrupts the read
	// loop by closing the connection underneath it.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				_ = conn.Close()
				return
			case <-stopPing:
				return
			}
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			select {
			case <-done:
			default:
				c.log.Warnw("remote_stream_read_failed", "table", table, "err", err)
			}
			return
		}
		if ev.Table != "" && ev.Table != table {
			continue
		}
		onChange(ev)
	}
}

// do executes a request, decodes a JSON body into out when given, and maps
// non-2xx statuses to errors.
func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("apikey", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
