package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// stabilizationDelay is how long the client waits after a raw TCP accept
// before treating the connection as usable — the gateway needs this time to
// finish its own handshake/auth sequence before it will answer requests.
const stabilizationDelay = 20 * time.Second

// ClientConfig configures the live gateway connection.
type ClientConfig struct {
	Host             string
	Port             int
	ClientID         int
	AccountID        string
	ConnectTimeout   time.Duration
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
}

// Client is the live broker gateway client. It owns a raw TCP connection to
// the trading gateway and reconnects with linear backoff + jitter on
// any drop, without losing the strategy state layered on top of it (state
// lives in the strategy runtime and C3, not here).
//
// No wire-protocol library for this gateway exists anywhere in the example
// pack — it's a proprietary binary protocol, not HTTP/gRPC/AMQP/etc — so
// there is nothing in the corpus to ground the framing itself on. What *is*
// grounded is the reconnect policy: the backoff delay is computed with
// hashicorp/go-retryablehttp's LinearJitterBackoff, the linear
// backoff-with-jitter curve the pack already depends on for HTTP retries,
// reused standalone against this raw socket since the shape of "wait
// longer each failed attempt, plus jitter so many reconnecting clients
// don't thunder together" is transport-agnostic.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
	bus    *appbus.Bus
	cache  *appbus.Cache

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	attempt int
}

// NewClient constructs a live gateway client. Connect must be called before
// any other method.
func NewClient(cfg ClientConfig, logger *zap.Logger, b *appbus.Bus, cache *appbus.Cache) *Client {
	return &Client{cfg: cfg, logger: logger, bus: b, cache: cache}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	go c.connectLoop(ctx)
	return nil
}

func (c *Client) connectLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.dialOnce(ctx); err != nil {
			c.attempt++
			wait := retryablehttp.LinearJitterBackoff(c.minWait(), c.maxWait(), c.attempt, nil)
			c.logger.Warn("broker connect failed, retrying",
				zap.Error(err), zap.Int("attempt", c.attempt), zap.Duration("backoff", wait))
			c.bus.Publish(appbus.NewConnectionStatusEvent(false, err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		c.attempt = 0
		c.bus.Publish(appbus.NewConnectionStatusEvent(true, "connected"))
		c.logger.Info("broker connected", zap.String("host", c.cfg.Host), zap.Int("port", c.cfg.Port))

		// Block until the connection drops, then loop back to reconnect.
		c.readLoop(ctx)
		c.bus.Publish(appbus.NewConnectionStatusEvent(false, "connection lost"))
	}
}

func (c *Client) minWait() time.Duration {
	if c.cfg.ReconnectMinWait > 0 {
		return c.cfg.ReconnectMinWait
	}
	return 5 * time.Second
}

func (c *Client) maxWait() time.Duration {
	if c.cfg.ReconnectMaxWait > 0 {
		return c.cfg.ReconnectMaxWait
	}
	return 60 * time.Second
}

func (c *Client) dialOnce(ctx context.Context) error {
	timeout := c.cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	// The gateway needs this much time post-accept to finish its own
	// handshake/auth before the connection is considered usable. Holding
	// here (rather than immediately starting the read loop) avoids
	// submitting requests into a socket the gateway hasn't finished
	// bringing up yet.
	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-time.After(stabilizationDelay):
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		// Message framing for this gateway's wire protocol is
		// gateway-specific and intentionally not modeled here — see the
		// type doc comment. Any read error or EOF is treated as a
		// connection loss and triggers the reconnect loop above.
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// errNoWireProtocol is returned by every request/submit method below: this
// client manages the gateway connection lifecycle (dial, stabilize,
// reconnect) but does not encode/decode this gateway's proprietary wire
// messages, since no example in the pack grounds that framing. A production
// deployment plugs the gateway's real message codec in here; until then,
// PaperClient is the adapter actually exercised by the strategy runtime and
// the manager (broker.paper defaults to true).
var errNoWireProtocol = fmt.Errorf("live gateway wire protocol not implemented in this build; use paper mode")

func (c *Client) SubscribeQuotes(ctx context.Context, id types.InstrumentID) error { return errNoWireProtocol }
func (c *Client) UnsubscribeQuotes(id types.InstrumentID) error                    { return errNoWireProtocol }
func (c *Client) SubscribeBars(ctx context.Context, id types.InstrumentID, period time.Duration) error {
	return errNoWireProtocol
}
func (c *Client) UnsubscribeBars(id types.InstrumentID, period time.Duration) error {
	return errNoWireProtocol
}
func (c *Client) RequestInstrument(ctx context.Context, spec InstrumentSpec) (types.InstrumentID, error) {
	return types.InstrumentID{}, errNoWireProtocol
}
func (c *Client) RequestInstruments(ctx context.Context, specs []InstrumentSpec) ([]types.InstrumentID, error) {
	return nil, errNoWireProtocol
}
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	return "", errNoWireProtocol
}
func (c *Client) CancelOrder(ctx context.Context, clientOrderID string) error { return errNoWireProtocol }
func (c *Client) CancelAllOrders(ctx context.Context) error                  { return errNoWireProtocol }
func (c *Client) CreateSpread(ctx context.Context, legs []SpreadLeg, req SubmitRequest) (string, error) {
	return "", errNoWireProtocol
}

