// Package ls implements the broker interface against the LS Securities
// Open API: OAuth2 token lifecycle, TR-coded REST calls and the realtime
// WebSocket feed.
package ls

import (
	"context"
	"sync"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/config"
	"github.com/greatjins/si-trading-system-sub000/internal/core"
	pkghttp "github.com/greatjins/si-trading-system-sub000/pkg/http"
)

const (
	defaultBaseURL = "https://openapi.ls-sec.co.kr:8080"
	defaultWSLive  = "wss://openapi.ls-sec.co.kr:9443/websocket"
	defaultWSPaper = "wss://openapi.ls-sec.co.kr:29443/websocket"

	requestTimeout = 30 * time.Second
)

// REST paths, grouped by venue function.
const (
	pathOrder      = "/stock/order"
	pathAccno      = "/stock/accno"
	pathChart      = "/stock/chart"
	pathMarketData = "/stock/market-data"
	pathInvestInfo = "/stock/investinfo"
	pathHighItem   = "/stock/high-item"
	pathTimeSearch = "/etc/time-search"
)

// Broker is the LS Open API adapter. One instance per account. The REST
// base is shared between live and paper accounts; only the WebSocket
// endpoint differs.
type Broker struct {
	cfg    *config.BrokerConfig
	tokens *TokenStore
	tr     *transport
	clock  core.IClock
	logger core.ILogger

	mu        sync.Mutex
	stream    *stream
	onSession func(jangubun, jstatus string)
	onFill    func(orderID string)
}

// New builds a Broker from config. dataDir is where the token record is
// persisted across restarts.
func New(cfg *config.BrokerConfig, dataDir string, clock core.IClock, logger core.ILogger) *Broker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if clock == nil {
		clock = core.SystemClock{}
	}

	client := pkghttp.NewClient(baseURL, requestTimeout, nil)
	tokens := NewTokenStore(client, cfg.AppKey.Reveal(), cfg.AppSecret.Reveal(), dataDir, logger)

	return &Broker{
		cfg:    cfg,
		tokens: tokens,
		tr:     newTransport(client, tokens, cfg.MacAddress, logger),
		clock:  clock,
		logger: logger.WithField("component", "ls"),
	}
}

// Name identifies the adapter.
func (b *Broker) Name() string {
	return "ls"
}

// CheckHealth verifies credentials and venue reachability with the
// cheapest available TR.
func (b *Broker) CheckHealth(ctx context.Context) error {
	_, err := b.GetServerTime(ctx)
	return err
}

// OnSessionUpdate registers the sink for JIF market-session frames. The
// engine wires the market-state tracker here before starting the stream.
func (b *Broker) OnSessionUpdate(fn func(jangubun, jstatus string)) {
	b.mu.Lock()
	b.onSession = fn
	b.mu.Unlock()
}

// OnOrderFilled registers the sink for account execution notices. The
// engine uses this to wake pending fill-waits without polling.
func (b *Broker) OnOrderFilled(fn func(orderID string)) {
	b.mu.Lock()
	b.onFill = fn
	b.mu.Unlock()
}

func (b *Broker) sessionHandler() func(jangubun, jstatus string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onSession
}

func (b *Broker) fillHandler() func(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onFill
}

func (b *Broker) wsURL() string {
	if b.cfg.WSURL != "" {
		return b.cfg.WSURL
	}
	if b.cfg.PaperTrading {
		return defaultWSPaper
	}
	return defaultWSLive
}

// Close stops any running stream and revokes the access token.
func (b *Broker) Close() error {
	b.mu.Lock()
	s := b.stream
	b.stream = nil
	b.mu.Unlock()
	if s != nil {
		s.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	defer cancel()
	if err := b.tokens.Close(ctx); err != nil {
		b.logger.Warn("Token revoke failed", "error", err)
	}
	return nil
}
