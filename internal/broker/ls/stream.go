package ls

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/pkg/telemetry"
	"github.com/greatjins/si-trading-system-sub000/pkg/websocket"
)

// Realtime channel codes.
const (
	trCdTrade     = "S3_" // per-symbol trade prints
	trCdSession   = "JIF" // whole-market session state
	trCdExecution = "SC1" // account execution notices

	// The venue rejects subscribe bursts; one frame per this interval.
	subscribePacing = 100 * time.Millisecond

	tickBuffer = 256
)

// stream owns one WebSocket session: subscriptions, frame decoding and
// the outbound tick channel. Reconnects re-run the subscribe sequence.
type stream struct {
	b       *Broker
	client  *websocket.Client
	ticks   chan core.Tick
	symbols []string
	token   string

	done      chan struct{}
	closeOnce sync.Once
}

// StreamRealtime subscribes to trade prints for symbols plus the
// market-session channel and returns the tick sequence. Cancelling ctx
// closes the socket and the channel. Per-symbol ordering is FIFO;
// cross-symbol ordering is not defined.
func (b *Broker) StreamRealtime(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	s := &stream{
		b:       b,
		ticks:   make(chan core.Tick, tickBuffer),
		symbols: symbols,
		token:   token,
		done:    make(chan struct{}),
	}
	s.client = websocket.NewClient(b.wsURL(), s.handleFrame, b.logger)
	s.client.SetPingConfig(10*time.Second, 10*time.Second, 30*time.Second)
	s.client.SetOnConnected(s.subscribeAll)

	b.mu.Lock()
	prev := b.stream
	b.stream = s
	b.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	s.client.Start()
	go func() {
		<-ctx.Done()
		s.close()
	}()

	return s.ticks, nil
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Stop()
		close(s.ticks)
	})
}

// subscribeAll runs on every (re)connect: session registration, the
// market-state channel, then one paced subscribe per symbol.
func (s *stream) subscribeAll() {
	if err := s.client.Send(registerFrame(s.token)); err != nil {
		s.b.logger.Error("Session registration failed", "error", err)
		return
	}
	if err := s.client.Send(sessionSubscribe(s.token)); err != nil {
		s.b.logger.Error("Market-state subscribe failed", "error", err)
	}

	go func() {
		for _, symbol := range s.symbols {
			select {
			case <-s.done:
				return
			case <-time.After(subscribePacing):
			}
			if err := s.client.Send(tradeSubscribe(s.token, symbol)); err != nil {
				s.b.logger.Error("Trade subscribe failed", "symbol", symbol, "error", err)
				return
			}
		}
	}()
}

func registerFrame(token string) interface{} {
	return map[string]interface{}{
		"header": map[string]string{"token": token, "tr_type": "1"},
	}
}

func sessionSubscribe(token string) interface{} {
	return map[string]interface{}{
		"header": map[string]string{"token": token, "tr_type": "3"},
		"body":   map[string]string{"tr_cd": trCdSession, "tr_key": ""},
	}
}

func tradeSubscribe(token, symbol string) interface{} {
	return map[string]interface{}{
		"header": map[string]string{"token": token, "tr_type": "3"},
		"body": map[string]interface{}{
			"input": map[string]string{"tr_id": trCdTrade, "tr_key": symbol},
		},
	}
}

type inboundFrame struct {
	Header struct {
		TrCd   string `json:"tr_cd"`
		TrKey  string `json:"tr_key"`
		RspCd  string `json:"rsp_cd"`
		RspMsg string `json:"rsp_msg"`
	} `json:"header"`
	Body json.RawMessage `json:"body"`
}

// handleFrame decodes one frame. Binary frames are UTF-8 JSON like text
// frames; anything that does not parse is skipped.
func (s *stream) handleFrame(message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}

	switch frame.Header.TrCd {
	case trCdTrade:
		s.handleTrade(frame)
	case trCdSession:
		s.handleSession(frame)
	case trCdExecution:
		s.handleExecution(frame)
	default:
		s.logAck(frame)
	}
}

// logAck surfaces rejected subscribe responses, which arrive as header
// only frames.
func (s *stream) logAck(frame inboundFrame) {
	if frame.Header.RspCd != "" && frame.Header.RspCd != rspSuccess {
		s.b.logger.Warn("Realtime subscribe rejected",
			"tr_cd", frame.Header.TrCd, "rsp_cd", frame.Header.RspCd, "rsp_msg", frame.Header.RspMsg)
	}
}

func (s *stream) handleTrade(frame inboundFrame) {
	if len(frame.Body) == 0 {
		s.logAck(frame)
		return
	}

	// WebSocket bodies carry every value as a string.
	var body struct {
		ShCode  string `json:"shcode"`
		Price   string `json:"price"`
		CVolume string `json:"cvolume"`
		CheTime string `json:"chetime"`
	}
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		return
	}

	symbol := body.ShCode
	if symbol == "" {
		symbol = frame.Header.TrKey
	}
	if symbol == "" {
		return
	}

	tick := core.Tick{
		Symbol:    symbol,
		Price:     parseDecimal(body.Price),
		Volume:    parseInt(body.CVolume),
		Timestamp: s.frameTime(body.CheTime),
	}

	if h := telemetry.GetGlobalMetrics(); h.TicksTotal != nil {
		h.TicksTotal.Add(context.Background(), 1)
	}

	select {
	case <-s.done:
	case s.ticks <- tick:
	default:
		// The engine fell behind; dropping keeps per-symbol order intact.
		s.b.logger.Debug("Tick dropped, consumer behind", "symbol", symbol)
	}
}

// handleSession forwards JIF updates to the registered tracker. Session
// frames never yield a tick.
func (s *stream) handleSession(frame inboundFrame) {
	if len(frame.Body) == 0 {
		s.logAck(frame)
		return
	}

	var body struct {
		Jangubun string `json:"jangubun"`
		Jstatus  string `json:"jstatus"`
	}
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		return
	}

	if fn := s.b.sessionHandler(); fn != nil {
		fn(body.Jangubun, body.Jstatus)
	}
}

// handleExecution wakes fill-waits for executed orders.
func (s *stream) handleExecution(frame inboundFrame) {
	if len(frame.Body) == 0 {
		return
	}

	var body struct {
		OrdNo string `json:"ordno"`
	}
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		return
	}
	if body.OrdNo == "" {
		return
	}

	if fn := s.b.fillHandler(); fn != nil {
		fn(body.OrdNo)
	}
}

// frameTime combines today's exchange date with the frame's HHMMSS.
func (s *stream) frameTime(hhmmss string) time.Time {
	now := s.b.clock.Now().In(core.KST)
	if len(hhmmss) < 6 {
		return now
	}
	ts, err := time.ParseInLocation(dateTimeFormat, core.Today(s.b.clock)+hhmmss[:6], core.KST)
	if err != nil {
		return now
	}
	return ts
}
