package ls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
	"github.com/greatjins/si-trading-system-sub000/pkg/retry"
	"github.com/greatjins/si-trading-system-sub000/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Venue order field codes.
const (
	bnsTpSell = "1"
	bnsTpBuy  = "2"

	ordPrcPtnLimit    = "00"
	ordPrcPtnMarket   = "03"
	ordPrcPtnMidpoint = "16" // NXT mid-price, rejected on KRX

	maxLimitPrice = 100_000_000
)

// GetAccount returns the CSPAQ12200 cash and valuation snapshot.
func (b *Broker) GetAccount(ctx context.Context) (*core.Account, error) {
	in := struct {
		In struct {
			RecCnt   int    `json:"RecCnt"`
			BalCreTp string `json:"BalCreTp"`
		} `json:"CSPAQ12200InBlock1"`
	}{}
	in.In.RecCnt = 1
	in.In.BalCreTp = "0"

	var resp struct {
		Out2 struct {
			Dps           json.Number `json:"Dps"`
			MnyOrdAbleAmt json.Number `json:"MnyOrdAbleAmt"`
			BalEvalAmt    json.Number `json:"BalEvalAmt"`
			DpsastTotAmt  json.Number `json:"DpsastTotamt"`
		} `json:"CSPAQ12200OutBlock2"`
	}
	if err := b.tr.call(ctx, pathAccno, "CSPAQ12200", in, &resp); err != nil {
		return nil, err
	}

	out := resp.Out2
	acct := &core.Account{
		Cash:          numDecimal(out.Dps),
		TotalEquity:   numDecimal(out.DpsastTotAmt),
		InvestedValue: numDecimal(out.BalEvalAmt),
		UpdatedAt:     b.clock.Now(),
	}
	if acct.TotalEquity.IsZero() {
		acct.TotalEquity = acct.Cash.Add(acct.InvestedValue)
	}
	return acct, nil
}

// GetPositions returns open positions from t0424, following the
// cts_expcode continuation cursor.
func (b *Broker) GetPositions(ctx context.Context) ([]core.Position, error) {
	var positions []core.Position
	cts := ""
	for {
		in := struct {
			In struct {
				PrcGb      string `json:"prcgb"`
				CheGb      string `json:"chegb"`
				DanGb      string `json:"dangb"`
				Charge     string `json:"charge"`
				CtsExpCode string `json:"cts_expcode"`
			} `json:"t0424InBlock"`
		}{}
		in.In.PrcGb = "1"
		in.In.CheGb = "0"
		in.In.DanGb = "0"
		in.In.Charge = "1"
		in.In.CtsExpCode = cts

		var resp struct {
			Out struct {
				CtsExpCode string `json:"cts_expcode"`
			} `json:"t0424OutBlock"`
			Rows []struct {
				ExpCode string      `json:"expcode"`
				HName   string      `json:"hname"`
				JanQty  json.Number `json:"janqty"`
				PAmt    json.Number `json:"pamt"`
			} `json:"t0424OutBlock1"`
		}
		if err := b.tr.callCont(ctx, pathAccno, "t0424", cts, in, &resp); err != nil {
			return nil, err
		}

		for _, row := range resp.Rows {
			qty := numInt(row.JanQty)
			if qty == 0 {
				continue
			}
			positions = append(positions, core.Position{
				Symbol:    plainSymbol(row.ExpCode),
				Name:      row.HName,
				Quantity:  qty,
				AvgPrice:  numDecimal(row.PAmt),
				UpdatedAt: b.clock.Now(),
			})
		}

		next := strings.TrimSpace(resp.Out.CtsExpCode)
		if next == "" || next == cts || len(resp.Rows) == 0 {
			break
		}
		cts = next
	}
	return positions, nil
}

type cspat00601InBlock1 struct {
	AcntNo        string  `json:"AcntNo,omitempty"`
	InptPwd       string  `json:"InptPwd,omitempty"`
	IsuNo         string  `json:"IsuNo"`
	OrdQty        int64   `json:"OrdQty"`
	OrdPrc        float64 `json:"OrdPrc"`
	BnsTpCode     string  `json:"BnsTpCode"`
	OrdprcPtnCode string  `json:"OrdprcPtnCode"`
	MgntrnCode    string  `json:"MgntrnCode"`
	LoanDt        string  `json:"LoanDt"`
	OrdCndiTpCode string  `json:"OrdCndiTpCode"`
	MbrNo         string  `json:"MbrNo,omitempty"`
}

// PlaceOrder validates, submits with bounded retries and fills in the
// venue order id. The order comes back SUBMITTED; fills arrive through
// the stream or order polling.
func (b *Broker) PlaceOrder(ctx context.Context, order *core.Order) (*core.Order, error) {
	if err := validateOrder(order); err != nil {
		if h := telemetry.GetGlobalMetrics(); h.OrdersRejectedTotal != nil {
			h.OrdersRejectedTotal.Add(ctx, 1)
		}
		return nil, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}

	blk := cspat00601InBlock1{
		AcntNo:        b.cfg.AccountNo,
		InptPwd:       b.cfg.AccountPassword.Reveal(),
		IsuNo:         isuNo(order.Symbol),
		OrdQty:        order.Quantity,
		OrdPrc:        order.Price.InexactFloat64(),
		BnsTpCode:     bnsTpCode(order.Side),
		OrdprcPtnCode: ordPrcPtnCode(order.Type),
		MgntrnCode:    "000",
		OrdCndiTpCode: "0",
		MbrNo:         order.MbrNo(),
	}
	if order.Type != core.OrderTypeLimit {
		blk.OrdPrc = 0
	}
	in := struct {
		In cspat00601InBlock1 `json:"CSPAT00601InBlock1"`
	}{blk}

	err := retry.Do(ctx, retry.SubmitPolicy, submitRetryable, func() error {
		body, err := b.tr.callRaw(ctx, pathOrder, "CSPAT00601", "", in)
		if err != nil {
			return err
		}
		id, err := extractOrderID(body)
		if err != nil {
			return err
		}
		order.ID = id
		return nil
	})
	if err != nil {
		if h := telemetry.GetGlobalMetrics(); h.OrdersRejectedTotal != nil {
			h.OrdersRejectedTotal.Add(ctx, 1)
		}
		return nil, err
	}

	now := b.clock.Now()
	order.Status = core.OrderStatusSubmitted
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	if h := telemetry.GetGlobalMetrics(); h.OrdersPlacedTotal != nil {
		h.OrdersPlacedTotal.Add(ctx, 1)
	}
	b.logger.Info("Order submitted",
		"order_id", order.ID, "symbol", order.Symbol, "side", order.Side,
		"type", order.Type, "qty", order.Quantity, "price", order.Price, "mbr_no", order.MbrNo())
	return order, nil
}

// submitRetryable covers connection resets, timeouts, venue-side
// failures and order-id-absent responses. Venue rejections that name the
// order (funds, symbol, params) are final.
func submitRetryable(err error) bool {
	return apperrors.Transient(err) || errors.Is(err, apperrors.ErrOrderIDMissing)
}

func validateOrder(o *core.Order) error {
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", apperrors.ErrInvalidOrderParameter, o.Quantity)
	}
	if o.Type == core.OrderTypeLimit {
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: limit price must be positive", apperrors.ErrInvalidOrderParameter)
		}
		if o.Price.GreaterThan(decimal.NewFromInt(maxLimitPrice)) {
			return fmt.Errorf("%w: limit price %s above cap", apperrors.ErrInvalidOrderParameter, o.Price)
		}
	}
	if o.Type == core.OrderTypeMidpoint && o.MbrNo() != string(core.MarketNXT) {
		return fmt.Errorf("%w: midpoint orders require NXT routing", apperrors.ErrInvalidOrderParameter)
	}
	return nil
}

func bnsTpCode(side core.OrderSide) string {
	if side == core.SideSell {
		return bnsTpSell
	}
	return bnsTpBuy
}

func ordPrcPtnCode(t core.OrderType) string {
	switch t {
	case core.OrderTypeMarket:
		return ordPrcPtnMarket
	case core.OrderTypeMidpoint:
		return ordPrcPtnMidpoint
	default:
		return ordPrcPtnLimit
	}
}

// extractOrderID digs the venue order number out of a submit response.
// Responses nest it under numbered out blocks, sometimes list-wrapped, so
// any block whose name contains "OutBlock" is searched and the first
// non-empty OrdNo wins. Absence is retryable at the submit layer.
func extractOrderID(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrOrderIDMissing, err)
	}

	for key, val := range doc {
		if !strings.Contains(key, "OutBlock") {
			continue
		}
		if id := ordNoFrom(val); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no OrdNo in response", apperrors.ErrOrderIDMissing)
}

func ordNoFrom(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, key := range []string{"OrdNo", "ordno"} {
			if id := idString(t[key]); id != "" {
				return id
			}
		}
	case []interface{}:
		for _, item := range t {
			if id := ordNoFrom(item); id != "" {
				return id
			}
		}
	}
	return ""
}

func idString(v interface{}) string {
	switch t := v.(type) {
	case json.Number:
		if t.String() != "0" {
			return t.String()
		}
	case string:
		s := strings.TrimSpace(t)
		if s != "" && s != "0" {
			return s
		}
	}
	return ""
}

// AmendOrder reprices an open order via CSPAT00701. Success means the
// venue echoed a non-empty replacement order id.
func (b *Broker) AmendOrder(ctx context.Context, orderID, symbol string, qty int64, price decimal.Decimal) (*core.Order, error) {
	orgNo, err := venueOrderNo(orderID)
	if err != nil {
		return nil, err
	}

	in := struct {
		In struct {
			OrgOrdNo      int64   `json:"OrgOrdNo"`
			IsuNo         string  `json:"IsuNo"`
			OrdQty        int64   `json:"OrdQty"`
			OrdprcPtnCode string  `json:"OrdprcPtnCode"`
			OrdCndiTpCode string  `json:"OrdCndiTpCode"`
			OrdPrc        float64 `json:"OrdPrc"`
		} `json:"CSPAT00701InBlock1"`
	}{}
	in.In.OrgOrdNo = orgNo
	in.In.IsuNo = isuNo(symbol)
	in.In.OrdQty = qty
	in.In.OrdprcPtnCode = ordPrcPtnLimit
	in.In.OrdCndiTpCode = "0"
	in.In.OrdPrc = price.InexactFloat64()

	var newID string
	err = retry.Do(ctx, retry.SubmitPolicy, submitRetryable, func() error {
		body, err := b.tr.callRaw(ctx, pathOrder, "CSPAT00701", "", in)
		if err != nil {
			return err
		}
		newID, err = extractOrderID(body)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := b.clock.Now()
	return &core.Order{
		ID:        newID,
		Symbol:    symbol,
		Type:      core.OrderTypeLimit,
		Quantity:  qty,
		Price:     price,
		Status:    core.OrderStatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CancelOrder cancels the unfilled remainder of an order via CSPAT00801.
func (b *Broker) CancelOrder(ctx context.Context, orderID, symbol string, qty int64) error {
	orgNo, err := venueOrderNo(orderID)
	if err != nil {
		return err
	}

	in := struct {
		In struct {
			OrgOrdNo int64  `json:"OrgOrdNo"`
			IsuNo    string `json:"IsuNo"`
			OrdQty   int64  `json:"OrdQty"`
		} `json:"CSPAT00801InBlock1"`
	}{}
	in.In.OrgOrdNo = orgNo
	in.In.IsuNo = isuNo(symbol)
	in.In.OrdQty = qty

	return retry.Do(ctx, retry.SubmitPolicy, submitRetryable, func() error {
		body, err := b.tr.callRaw(ctx, pathOrder, "CSPAT00801", "", in)
		if err != nil {
			return err
		}
		if _, err := extractOrderID(body); err != nil {
			return err
		}
		return nil
	})
}

func venueOrderNo(orderID string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: order id %q is not a venue order number", apperrors.ErrInvalidOrderParameter, orderID)
	}
	return n, nil
}

// GetOpenOrders returns only the unfilled remainder of today's orders.
func (b *Broker) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	return b.queryOrders(ctx, "2")
}

// GetOrders returns today's orders, executed and unexecuted. The venue
// scopes this TR to the current session; other dates come back empty.
func (b *Broker) GetOrders(ctx context.Context, date string) ([]core.Order, error) {
	if date != "" && date != core.Today(b.clock) {
		b.logger.Debug("Order history limited to current session", "requested", date)
		return nil, nil
	}
	return b.queryOrders(ctx, "0")
}

func (b *Broker) queryOrders(ctx context.Context, cheGb string) ([]core.Order, error) {
	var orders []core.Order
	cts := ""
	for {
		in := struct {
			In struct {
				ExpCode  string `json:"expcode"`
				CheGb    string `json:"chegb"`
				MeDoSu   string `json:"medosu"`
				SortGb   string `json:"sortgb"`
				CtsOrdNo string `json:"cts_ordno"`
			} `json:"t0425InBlock"`
		}{}
		in.In.CheGb = cheGb
		in.In.MeDoSu = "0"
		in.In.SortGb = "1"
		in.In.CtsOrdNo = cts

		var resp struct {
			Out struct {
				CtsOrdNo string `json:"cts_ordno"`
			} `json:"t0425OutBlock"`
			Rows []t0425Row `json:"t0425OutBlock1"`
		}
		if err := b.tr.callCont(ctx, pathAccno, "t0425", cts, in, &resp); err != nil {
			return nil, err
		}

		for _, row := range resp.Rows {
			orders = append(orders, row.toOrder(b.clock))
		}

		next := strings.TrimSpace(resp.Out.CtsOrdNo)
		if next == "" || next == cts || len(resp.Rows) == 0 {
			break
		}
		cts = next
	}
	return orders, nil
}

type t0425Row struct {
	OrdNo    json.Number `json:"ordno"`
	ExpCode  string      `json:"expcode"`
	HName    string      `json:"hname"`
	MeDoSu   string      `json:"medosu"`
	Qty      json.Number `json:"qty"`
	Price    json.Number `json:"price"`
	CheQty   json.Number `json:"cheqty"`
	ChePrice json.Number `json:"cheprice"`
	OrdRem   json.Number `json:"ordrem"`
	Status   string      `json:"status"`
	OrdTime  string      `json:"ordtime"`
}

func (r t0425Row) toOrder(clock core.IClock) core.Order {
	qty := numInt(r.Qty)
	filled := numInt(r.CheQty)

	order := core.Order{
		ID:           r.OrdNo.String(),
		Symbol:       plainSymbol(r.ExpCode),
		Side:         sideFromMedosu(r.MeDoSu),
		Type:         core.OrderTypeLimit,
		Quantity:     qty,
		Price:        numDecimal(r.Price),
		Status:       normalizeOrderStatus(qty, filled, r.Status),
		FilledQty:    filled,
		AvgFillPrice: numDecimal(r.ChePrice),
		UpdatedAt:    clock.Now(),
	}
	if ts, ok := orderTime(clock, r.OrdTime); ok {
		order.CreatedAt = ts
	}
	return order
}

// normalizeOrderStatus folds the venue's executed/unexecuted split into
// the unified status. Fill counts dominate; the venue text only decides
// the unfilled cases.
func normalizeOrderStatus(qty, filled int64, venueStatus string) core.OrderStatus {
	switch {
	case filled >= qty && filled > 0:
		return core.OrderStatusFilled
	case filled > 0 && filled < qty:
		return core.OrderStatusPartial
	}
	return venueOrderStatus(venueStatus)
}

func venueOrderStatus(s string) core.OrderStatus {
	switch strings.TrimSpace(s) {
	case "체결":
		return core.OrderStatusFilled
	case "취소", "취소확인", "정정확인":
		return core.OrderStatusCancelled
	case "거부":
		return core.OrderStatusRejected
	default: // 접수, 확인 and anything unrecognized stay open
		return core.OrderStatusSubmitted
	}
}

func sideFromMedosu(s string) core.OrderSide {
	switch strings.TrimSpace(s) {
	case "1", "매도":
		return core.SideSell
	default:
		return core.SideBuy
	}
}

// orderTime builds a timestamp from today's date and the venue HHMMSSss
// order time field.
func orderTime(clock core.IClock, hhmmss string) (time.Time, bool) {
	if len(hhmmss) < 6 {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(dateTimeFormat, core.Today(clock)+hhmmss[:6], core.KST)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
