package ls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
	pkghttp "github.com/greatjins/si-trading-system-sub000/pkg/http"
	"github.com/greatjins/si-trading-system-sub000/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const rspSuccess = "00000"

// Per-TR pacing. The venue limits chart TRs to roughly one call per
// second; 1.1 s keeps a margin. Everything else gets the softer default.
var trPacing = map[string]rate.Limit{
	"t8410": rate.Every(1100 * time.Millisecond),
	"t8412": rate.Every(1100 * time.Millisecond),
	"t1452": rate.Every(1100 * time.Millisecond),
}

var defaultPacing = rate.Every(350 * time.Millisecond)

// rspEnvelope carries the venue status fields present on every TR
// response.
type rspEnvelope struct {
	RspCd  string `json:"rsp_cd"`
	RspMsg string `json:"rsp_msg"`
}

// transport sends TR requests: bearer and protocol headers, per-TR
// pacing, venue status checking and one transparent re-auth when the
// venue reports an expired token.
type transport struct {
	client *pkghttp.Client
	tokens *TokenStore
	mac    string
	logger core.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newTransport(client *pkghttp.Client, tokens *TokenStore, mac string, logger core.ILogger) *transport {
	return &transport{
		client:   client,
		tokens:   tokens,
		mac:      mac,
		logger:   logger.WithField("component", "ls_transport"),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *transport) limiter(trCd string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok := t.limiters[trCd]; ok {
		return lim
	}
	limit, ok := trPacing[trCd]
	if !ok {
		limit = defaultPacing
	}
	lim := rate.NewLimiter(limit, 1)
	t.limiters[trCd] = lim
	return lim
}

// call sends one TR request and decodes the response into out.
func (t *transport) call(ctx context.Context, path, trCd string, in, out interface{}) error {
	return t.callCont(ctx, path, trCd, "", in, out)
}

// callCont is call with a continuation key; tr_cont flips to "Y" when a
// key is present.
func (t *transport) callCont(ctx context.Context, path, trCd, contKey string, in, out interface{}) error {
	body, err := t.callRaw(ctx, path, trCd, contKey, in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", trCd, err)
	}
	return nil
}

// callRaw sends one TR request and returns the raw response body after
// the venue status check. Order submission uses this to run tolerant
// order-id extraction over the payload.
func (t *transport) callRaw(ctx context.Context, path, trCd, contKey string, in interface{}) ([]byte, error) {
	if err := t.limiter(trCd).Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := t.send(ctx, path, trCd, contKey, in)
	if errors.Is(err, apperrors.ErrTokenExpired) {
		// One transparent re-auth; the store single-flights the renewal.
		t.tokens.Invalidate()
		body, err = t.send(ctx, path, trCd, contKey, in)
	}

	if h := telemetry.GetGlobalMetrics(); h.LatencyBroker != nil {
		h.LatencyBroker.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("tr_cd", trCd)))
	}
	return body, err
}

func (t *transport) send(ctx context.Context, path, trCd, contKey string, in interface{}) ([]byte, error) {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"authorization": "Bearer " + token,
		"tr_cd":         trCd,
		"tr_cont":       "N",
		"tr_cont_key":   "",
	}
	if contKey != "" {
		headers["tr_cont"] = "Y"
		headers["tr_cont_key"] = contKey
	}
	if t.mac != "" {
		headers["mac_address"] = t.mac
	}

	body, err := t.client.PostWithHeaders(ctx, path, headers, in)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	// The venue reports failures in the payload with HTTP 200, so the
	// envelope is the authoritative check.
	var env rspEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: unreadable response: %v", apperrors.ErrBrokerFailure, trCd, err)
	}
	if err := venueError(trCd, env.RspCd, env.RspMsg); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyTransportError(err error) error {
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401:
			return fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, err)
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrBrokerFailure, err)
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

// venueError maps the venue status code onto a sentinel, keeping the
// venue message in the chain.
func venueError(trCd, code, msg string) error {
	if code == rspSuccess {
		return nil
	}
	if code == "" {
		return fmt.Errorf("%w: %s: missing rsp_cd", apperrors.ErrBrokerFailure, trCd)
	}
	return fmt.Errorf("%w: %s: %s (%s)", venueCodeClass(code), trCd, msg, code)
}

// venueCodeClass buckets known venue status codes. Unknown codes fall
// through to ErrBrokerFailure, which is retryable.
func venueCodeClass(code string) error {
	switch {
	case strings.HasPrefix(code, "IGW001"): // gateway: token invalid or expired
		return apperrors.ErrTokenExpired
	case strings.HasPrefix(code, "IGW002"): // gateway: per-TR rate exceeded
		return apperrors.ErrRateLimitExceeded
	case strings.HasPrefix(code, "IGW"):
		return apperrors.ErrBrokerFailure
	}
	switch code {
	case "01796", "08929": // buying power exceeded
		return apperrors.ErrInsufficientFunds
	case "01021", "01022": // unknown or halted issue code
		return apperrors.ErrInvalidSymbol
	case "00178", "01462": // outside trading hours for the requested venue
		return apperrors.ErrMarketClosed
	case "00310", "01797": // order refused for this account class
		return apperrors.ErrOrderRejected
	}
	return apperrors.ErrBrokerFailure
}
