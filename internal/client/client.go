// Package client connects a replica to a document served over websockets.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
	"github.com/ssau-fiit/cloudocs-ot/internal/replica"
	"github.com/ssau-fiit/cloudocs-ot/internal/watchdog"
)

var (
	ErrNotFound       = errors.New("client: document not found")
	ErrRecoveryFailed = replica.ErrRecoveryFailed
)

type Config struct {
	// BaseURL is the server's address, e.g. ws://localhost:8080.
	BaseURL  string
	Document string
	// Site requests a participant id; zero lets the server choose.
	Site  ot.SiteID
	Codec protocol.Codec

	Policy   replica.Policy
	OnApply  func(ot.Operation)
	OnReset  func(string)
	Watchdog watchdog.Config

	// DialRetries bounds reconnect attempts in Dial.
	DialRetries  uint64
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = protocol.JSON
	}
	if c.DialRetries == 0 {
		c.DialRetries = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Client is one participant of a remote document.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	ws      *websocket.Conn
	replica *replica.Replica
	dog     *watchdog.Watchdog

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

// Dial connects to the document, retrying with exponential backoff, and
// waits for the initial snapshot.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	u, err := socketURL(cfg)
	if err != nil {
		return nil, err
	}

	var (
		ws       *websocket.Conn
		notFound bool
	)
	connect := func() error {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, cfg.DialRetries), ctx)
	err = backoff.RetryNotify(connect, policy, func(err error, wait time.Duration) {
		cfg.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("could not connect")
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	if notFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cfg.Document)
	}

	c := &Client{cfg: cfg, ws: ws}
	snap, err := c.readSnapshot()
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.log = cfg.Logger.With().Str("document", snap.DocumentID).Uint32("site", uint32(snap.OriginatorID)).Logger()

	c.replica, err = replica.New(replica.Config{
		Policy:  cfg.Policy,
		Send:    c.send,
		OnApply: cfg.OnApply,
		OnReset: cfg.OnReset,
		Logger:  cfg.Logger,
	}, snap)
	if err != nil {
		ws.Close()
		return nil, err
	}

	wcfg := cfg.Watchdog
	wcfg.Report = func(rep protocol.DigestReport) error { return c.send(rep) }
	wcfg.OnFailure = c.fail
	wcfg.Logger = c.log
	c.dog = watchdog.New(c.replica, wcfg)

	c.log.Info().Int("length", len(snap.FullText)).Msg("joined document")
	return c, nil
}

func socketURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("bad base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/v1/documents/" + url.PathEscape(cfg.Document) + "/ws"
	q := url.Values{"codec": {cfg.Codec.Name()}}
	if cfg.Site != 0 {
		q.Set("site", strconv.FormatUint(uint64(cfg.Site), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readSnapshot() (protocol.Snapshot, error) {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.WriteTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	msg, err := c.read()
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	switch m := msg.(type) {
	case protocol.Snapshot:
		return m, nil
	case protocol.ErrorMessage:
		return protocol.Snapshot{}, fmt.Errorf("join refused: %s", m.Message)
	default:
		return protocol.Snapshot{}, fmt.Errorf("expected snapshot, got %s", msg.Kind())
	}
}

func (c *Client) read() (protocol.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return c.cfg.Codec.Decode(data)
}

func (c *Client) send(msg protocol.Message) error {
	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if c.cfg.Codec.Binary() {
		kind = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(kind, data)
}

// Run reads from the server and runs the watchdog until ctx is done, the
// connection drops or recovery fails.
func (c *Client) Run(ctx context.Context) error {
	go c.dog.Start(ctx)
	defer c.dog.Stop()

	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()

	for {
		msg, err := c.read()
		if err != nil {
			if ferr := c.failure(); ferr != nil {
				return ferr
			}
			if ctx.Err() != nil || c.isClosed() {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.replica.Handle(msg); err != nil {
			if errors.Is(err, replica.ErrClosed) {
				return nil
			}
			c.log.Warn().Err(err).Str("kind", string(msg.Kind())).Msg("server reported an error")
		}
	}
}

// Insert inserts text at a rune offset.
func (c *Client) Insert(ctx context.Context, pos int, text string) error {
	return c.Generate(ctx, ot.Insert{Position: pos, Text: text})
}

// Delete removes n runes at a rune offset.
func (c *Client) Delete(ctx context.Context, pos, n int) error {
	return c.Generate(ctx, ot.Delete{Position: pos, Length: n})
}

// Generate applies a local edit and sends it.
func (c *Client) Generate(ctx context.Context, op ot.Operation) error {
	if err := c.failure(); err != nil {
		return err
	}
	return c.replica.GenerateLocal(ctx, op)
}

func (c *Client) Text() string { return c.replica.Text() }

func (c *Client) Site() ot.SiteID { return c.replica.Site() }

func (c *Client) State() replica.State { return c.replica.State() }

// Replica exposes the underlying replica.
func (c *Client) Replica() *replica.Replica { return c.replica }

// Close leaves the document and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.send(protocol.Leave{DocumentID: c.replica.Document(), OriginatorID: c.replica.Site()})
	c.replica.Close()
	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.log.Error().Err(err).Msg("giving up on document")
	c.ws.Close()
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
