// Package upstream models a single loyalty-provider connection: its
// connect/cooldown/disconnect lifecycle and the single-flight
// send-and-await-response exchange the dispatcher races across clients.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alex-rizov/pos-proxy/metricsx"
	"github.com/alex-rizov/pos-proxy/passport"
)

// Default timeouts, used when a Config leaves the corresponding field at
// its zero value.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	DefaultRetryTimeout    = 150 * time.Second
)

var (
	// ErrRetryCooldown is returned by Connect when called during the
	// back-off window armed by a previous failed connect attempt.
	ErrRetryCooldown = errors.New("upstream: connect attempted during retry cooldown")
	// ErrResponseTimeout is returned when an upstream does not answer
	// within ResponseTimeout.
	ErrResponseTimeout = errors.New("upstream: response timed out")
	// ErrSequenceMismatch is returned when an upstream's response carries
	// a different POSSequenceID than the request that prompted it.
	ErrSequenceMismatch = errors.New("upstream: response sequence id does not match request")
)

// Config describes one upstream loyalty provider as read from a .proxy
// configuration file section.
type Config struct {
	Name            string
	Host            string
	Port            uint16
	CardMasks       []string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	RetryTimeout    time.Duration

	// Metrics, if non-nil, receives connect/cooldown counters. Left unset
	// in tests that don't care about observability.
	Metrics *metricsx.Metrics
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Client is one upstream loyalty-provider connection, owned exclusively
// by a single dispatcher for the lifetime of one POS connection.
type Client struct {
	cfg Config

	// mu is the single-flight lock: only one SendAndAwaitWithTimeout call
	// may be in flight at a time, and it also guards conn/cooldown state.
	mu                  sync.Mutex
	conn                net.Conn
	lastFailedConnectAt time.Time
	hasFailedConnect    bool
}

// New constructs a Client from a Config, filling in default timeouts for
// any left unset.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.RetryTimeout == 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	return &Client{cfg: cfg}
}

// Name is the configured label for this upstream (its .proxy section
// name), used in logging.
func (c *Client) Name() string { return c.cfg.Name }

// MatchesCard reports whether any of the client's configured card masks
// is a literal prefix of card. An upstream configured with no masks
// matches no card (see the config package for why blank mask tokens are
// dropped rather than treated as a universal wildcard).
func (c *Client) MatchesCard(card string) bool {
	for _, mask := range c.cfg.CardMasks {
		if strings.HasPrefix(card, mask) {
			return true
		}
	}
	return false
}

// Connected reports whether the client currently holds an open socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// connectLocked dials the upstream. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if c.hasFailedConnect {
		if until := c.lastFailedConnectAt.Add(c.cfg.RetryTimeout); time.Now().Before(until) {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.UpstreamCooldown.Inc()
			}
			return ErrRetryCooldown
		}
	}

	c.lastFailedConnectAt = time.Now()
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		c.hasFailedConnect = true
		return fmt.Errorf("upstream %s: connect: %w", c.cfg.Name, err)
	}

	c.hasFailedConnect = false
	c.conn = conn
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.UpstreamConnect.Inc()
	}
	return nil
}

// Connect opens the upstream connection if not already open. It is a
// no-op while connected and fails with ErrRetryCooldown if called inside
// a previously armed back-off window.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// disconnectLocked tears down the socket and arms the retry cooldown.
// Caller must hold c.mu.
func (c *Client) disconnectLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.hasFailedConnect = true
	c.lastFailedConnectAt = time.Now()
}

// Disconnect closes the upstream connection, if any, and arms the retry
// cooldown so the next Connect waits out RetryTimeout.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

// Send ensures the client is connected and writes b, without awaiting a
// response. The dispatcher does not call it: MulticastNoResponse frames
// go through SendAndAwaitWithTimeout, which skips the response read.
func (c *Client) Send(ctx context.Context, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		c.disconnectLocked()
		return fmt.Errorf("upstream %s: write: %w", c.cfg.Name, err)
	}
	return nil
}

// Result is what an upstream exchange produced: the response frame (nil
// for MulticastNoResponse, which never reads one), the mode the request
// classified as, and the session id carried on the response, if any.
type Result struct {
	Response  *passport.Frame
	Mode      passport.HandlingMode
	SessionID string
}

// SendAndAwait writes request and, unless it classifies as
// MulticastNoResponse, reads and verifies the matching response frame.
// It holds the client's single-flight lock for the exchange but applies no
// response timeout; callers racing multiple clients should use
// SendAndAwaitWithTimeout instead.
func (c *Client) SendAndAwait(ctx context.Context, request passport.Frame) (Result, error) {
	mode, _, _ := passport.Classify(request)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return Result{}, err
	}
	if _, err := c.conn.Write(request.Bytes()); err != nil {
		c.disconnectLocked()
		return Result{}, fmt.Errorf("upstream %s: write: %w", c.cfg.Name, err)
	}

	if mode == passport.MulticastNoResponse {
		return Result{Mode: mode}, nil
	}

	resp, err := passport.ReadFrame(c.conn)
	if err != nil {
		c.disconnectLocked()
		return Result{}, fmt.Errorf("upstream %s: read response: %w", c.cfg.Name, err)
	}
	if err := passport.Verify(resp); err != nil {
		c.disconnectLocked()
		return Result{}, err
	}
	if !passport.SequencesMatch(request, resp) {
		c.disconnectLocked()
		return Result{}, ErrSequenceMismatch
	}

	_, _, respSession := passport.Classify(resp)
	return Result{Response: &resp, Mode: mode, SessionID: respSession}, nil
}

// SendAndAwaitWithTimeout is the single-flight, timeout-bounded exchange
// the dispatcher races across candidate clients. The client's own mutex
// is held for the whole call, so only one exchange per client is ever in
// progress; the response read is bounded with a socket read deadline
// rather than a second goroutine, so a timeout can never race a
// concurrent Disconnect over the same connection. On timeout or any other
// error the client is force-disconnected so the next caller starts from a
// clean socket.
func (c *Client) SendAndAwaitWithTimeout(ctx context.Context, request passport.Frame) (Result, error) {
	mode, _, _ := passport.Classify(request)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return Result{}, err
	}
	if _, err := c.conn.Write(request.Bytes()); err != nil {
		c.disconnectLocked()
		return Result{}, fmt.Errorf("upstream %s: write: %w", c.cfg.Name, err)
	}

	if mode == passport.MulticastNoResponse {
		return Result{Mode: mode}, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ResponseTimeout)); err != nil {
		c.disconnectLocked()
		return Result{}, fmt.Errorf("upstream %s: set read deadline: %w", c.cfg.Name, err)
	}

	resp, err := passport.ReadFrame(c.conn)
	if err != nil {
		c.disconnectLocked()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Result{}, fmt.Errorf("upstream %s: %w", c.cfg.Name, ErrResponseTimeout)
		}
		return Result{}, fmt.Errorf("upstream %s: read response: %w", c.cfg.Name, err)
	}
	if err := passport.Verify(resp); err != nil {
		c.disconnectLocked()
		return Result{}, err
	}
	if !passport.SequencesMatch(request, resp) {
		c.disconnectLocked()
		return Result{}, ErrSequenceMismatch
	}

	_, _, respSession := passport.Classify(resp)
	return Result{Response: &resp, Mode: mode, SessionID: respSession}, nil
}
