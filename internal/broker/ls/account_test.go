package ls

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOrder(t *testing.T) {
	tests := []struct {
		name    string
		order   core.Order
		wantErr bool
	}{
		{"zero quantity", core.Order{Type: core.OrderTypeMarket}, true},
		{"negative quantity", core.Order{Type: core.OrderTypeMarket, Quantity: -5}, true},
		{"limit without price", core.Order{Type: core.OrderTypeLimit, Quantity: 10}, true},
		{"limit above price cap", core.Order{
			Type: core.OrderTypeLimit, Quantity: 10,
			Price: decimal.NewFromInt(maxLimitPrice + 1),
		}, true},
		{"midpoint without nxt routing", core.Order{
			Type: core.OrderTypeMidpoint, Quantity: 10,
		}, true},
		{"valid limit", core.Order{
			Type: core.OrderTypeLimit, Quantity: 10, Price: decimal.NewFromInt(71000),
		}, false},
		{"valid market", core.Order{Type: core.OrderTypeMarket, Quantity: 10}, false},
		{"valid midpoint", core.Order{
			Type: core.OrderTypeMidpoint, Quantity: 10,
			Metadata: map[string]string{"mbr_no": "NXT"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateOrder(&tt.order)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlaceOrderRetriesWhenOrderIDAbsent(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var calls int
	var submitted cspat00601InBlock1
	f.handle("CSPAT00601", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In cspat00601InBlock1 `json:"CSPAT00601InBlock1"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		calls++
		submitted = req.In
		first := calls == 1
		mu.Unlock()

		if first {
			// Accepted by the gateway but no order number yet.
			writeJSON(w, map[string]interface{}{
				"rsp_cd": "00000", "rsp_msg": "정상",
				"CSPAT00601OutBlock2": map[string]interface{}{"RecCnt": 1, "OrdNo": 0},
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"CSPAT00601OutBlock2": map[string]interface{}{"RecCnt": 1, "OrdNo": 241551},
		})
	})

	order := &core.Order{
		Symbol:   "005930",
		Side:     core.SideBuy,
		Type:     core.OrderTypeLimit,
		Quantity: 10,
		Price:    decimal.NewFromInt(71000),
		Metadata: map[string]string{"mbr_no": "KRX"},
	}
	placed, err := f.broker.PlaceOrder(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, "241551", placed.ID)
	assert.Equal(t, core.OrderStatusSubmitted, placed.Status)
	assert.NotEmpty(t, placed.ClientOrderID)
	assert.True(t, placed.CreatedAt.Equal(testNow))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, "20250012345", submitted.AcntNo)
	assert.Equal(t, "A005930", submitted.IsuNo)
	assert.Equal(t, int64(10), submitted.OrdQty)
	assert.Equal(t, float64(71000), submitted.OrdPrc)
	assert.Equal(t, bnsTpBuy, submitted.BnsTpCode)
	assert.Equal(t, ordPrcPtnLimit, submitted.OrdprcPtnCode)
	assert.Equal(t, "000", submitted.MgntrnCode)
	assert.Equal(t, "KRX", submitted.MbrNo)
}

func TestPlaceOrderVenueRejectionIsFinal(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var calls int
	f.handle("CSPAT00601", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeJSON(w, map[string]interface{}{"rsp_cd": "01796", "rsp_msg": "주문가능금액을 초과했습니다"})
	})

	order := &core.Order{
		Symbol: "005930", Side: core.SideBuy, Type: core.OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(71000),
	}
	_, err := f.broker.PlaceOrder(context.Background(), order)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	mu.Lock()
	assert.Equal(t, 1, calls, "named venue rejections must not be retried")
	mu.Unlock()
}

func TestPlaceOrderRouting(t *testing.T) {
	tests := []struct {
		name      string
		order     core.Order
		wantPtn   string
		wantPrc   float64
		wantMbrNo string
		wantBns   string
	}{
		{
			name: "market sell clears the price",
			order: core.Order{
				Symbol: "005930", Side: core.SideSell, Type: core.OrderTypeMarket,
				Quantity: 10, Price: decimal.NewFromInt(71000),
			},
			wantPtn: ordPrcPtnMarket, wantPrc: 0, wantBns: bnsTpSell,
		},
		{
			name: "midpoint buy routes to nxt",
			order: core.Order{
				Symbol: "005930", Side: core.SideBuy, Type: core.OrderTypeMidpoint,
				Quantity: 10, Metadata: map[string]string{"mbr_no": "NXT"},
			},
			wantPtn: ordPrcPtnMidpoint, wantPrc: 0, wantMbrNo: "NXT", wantBns: bnsTpBuy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestBroker(t)

			var mu sync.Mutex
			var submitted cspat00601InBlock1
			f.handle("CSPAT00601", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					In cspat00601InBlock1 `json:"CSPAT00601InBlock1"`
				}
				_ = json.NewDecoder(r.Body).Decode(&req)
				mu.Lock()
				submitted = req.In
				mu.Unlock()
				writeJSON(w, map[string]interface{}{
					"rsp_cd": "00000", "rsp_msg": "정상",
					"CSPAT00601OutBlock2": map[string]interface{}{"OrdNo": 100},
				})
			})

			order := tt.order
			_, err := f.broker.PlaceOrder(context.Background(), &order)
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.wantPtn, submitted.OrdprcPtnCode)
			assert.Equal(t, tt.wantPrc, submitted.OrdPrc)
			assert.Equal(t, tt.wantMbrNo, submitted.MbrNo)
			assert.Equal(t, tt.wantBns, submitted.BnsTpCode)
		})
	}
}

func TestExtractOrderID(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"numeric ordno", `{"rsp_cd":"00000","CSPAT00601OutBlock2":{"RecCnt":1,"OrdNo":241551}}`, "241551", false},
		{"string ordno", `{"CSPAT00701OutBlock2":{"OrdNo":"241600"}}`, "241600", false},
		{"list wrapped block", `{"CSPAT00801OutBlock2":[{"OrdNo":7}]}`, "7", false},
		{"lowercase key", `{"SC1OutBlock":{"ordno":"99"}}`, "99", false},
		{"zero ordno", `{"CSPAT00601OutBlock2":{"OrdNo":0}}`, "", true},
		{"no out block", `{"rsp_cd":"00000","rsp_msg":"ok"}`, "", true},
		{"not json", `oops`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := extractOrderID([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrOrderIDMissing)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestAmendOrder(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var amended struct {
		OrgOrdNo      int64   `json:"OrgOrdNo"`
		IsuNo         string  `json:"IsuNo"`
		OrdQty        int64   `json:"OrdQty"`
		OrdprcPtnCode string  `json:"OrdprcPtnCode"`
		OrdPrc        float64 `json:"OrdPrc"`
	}
	f.handle("CSPAT00701", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		_ = json.Unmarshal(req["CSPAT00701InBlock1"], &amended)
		mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"CSPAT00701OutBlock2": map[string]interface{}{"OrdNo": 241600},
		})
	})

	order, err := f.broker.AmendOrder(context.Background(), "241551", "005930", 5, decimal.NewFromInt(70500))
	require.NoError(t, err)

	assert.Equal(t, "241600", order.ID)
	assert.Equal(t, core.OrderStatusSubmitted, order.Status)
	assert.Equal(t, int64(5), order.Quantity)
	assert.True(t, order.Price.Equal(decimal.NewFromInt(70500)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(241551), amended.OrgOrdNo)
	assert.Equal(t, "A005930", amended.IsuNo)
	assert.Equal(t, int64(5), amended.OrdQty)
	assert.Equal(t, ordPrcPtnLimit, amended.OrdprcPtnCode)
	assert.Equal(t, float64(70500), amended.OrdPrc)
}

func TestAmendOrderRejectsNonNumericID(t *testing.T) {
	f := newTestBroker(t)
	_, err := f.broker.AmendOrder(context.Background(), "abc", "005930", 5, decimal.NewFromInt(70500))
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
}

func TestCancelOrder(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var cancelled struct {
		OrgOrdNo int64  `json:"OrgOrdNo"`
		IsuNo    string `json:"IsuNo"`
		OrdQty   int64  `json:"OrdQty"`
	}
	f.handle("CSPAT00801", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		_ = json.Unmarshal(req["CSPAT00801InBlock1"], &cancelled)
		mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"CSPAT00801OutBlock2": map[string]interface{}{"OrdNo": 241552},
		})
	})

	require.NoError(t, f.broker.CancelOrder(context.Background(), "241551", "005930", 10))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(241551), cancelled.OrgOrdNo)
	assert.Equal(t, "A005930", cancelled.IsuNo)
	assert.Equal(t, int64(10), cancelled.OrdQty)
}

func TestCancelOrderVenueRejectionIsFinal(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var calls int
	f.handle("CSPAT00801", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeJSON(w, map[string]interface{}{"rsp_cd": "00310", "rsp_msg": "주문취소가 거부되었습니다"})
	})

	err := f.broker.CancelOrder(context.Background(), "241551", "005930", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestGetAccount(t *testing.T) {
	f := newTestBroker(t)
	f.handle("CSPAQ12200", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"CSPAQ12200OutBlock2": map[string]interface{}{
				"Dps": 1000000, "MnyOrdAbleAmt": 950000,
				"BalEvalAmt": 500000, "DpsastTotamt": 1500000,
			},
		})
	})

	acct, err := f.broker.GetAccount(context.Background())
	require.NoError(t, err)

	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(1000000)))
	assert.True(t, acct.InvestedValue.Equal(decimal.NewFromInt(500000)))
	assert.True(t, acct.TotalEquity.Equal(decimal.NewFromInt(1500000)))
}

func TestGetAccountDerivesEquityWhenAbsent(t *testing.T) {
	f := newTestBroker(t)
	f.handle("CSPAQ12200", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"CSPAQ12200OutBlock2": map[string]interface{}{"Dps": 1000000, "BalEvalAmt": 500000},
		})
	})

	acct, err := f.broker.GetAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.TotalEquity.Equal(decimal.NewFromInt(1500000)))
}

func TestGetPositionsPagesAndSkipsEmptyRows(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var contKeys []string
	f.handle("t0424", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		contKeys = append(contKeys, r.Header.Get("tr_cont")+"/"+r.Header.Get("tr_cont_key"))
		n := len(contKeys)
		mu.Unlock()

		if n == 1 {
			writeJSON(w, map[string]interface{}{
				"rsp_cd": "00000", "rsp_msg": "정상",
				"t0424OutBlock": map[string]string{"cts_expcode": "A035420"},
				"t0424OutBlock1": []map[string]interface{}{
					{"expcode": "A005930", "hname": "삼성전자", "janqty": 10, "pamt": 70000},
					{"expcode": "A000660", "hname": "SK하이닉스", "janqty": 0, "pamt": 0},
				},
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t0424OutBlock": map[string]string{"cts_expcode": ""},
			"t0424OutBlock1": []map[string]interface{}{
				{"expcode": "A035420", "hname": "NAVER", "janqty": 5, "pamt": 180000},
			},
		})
	})

	positions, err := f.broker.GetPositions(context.Background())
	require.NoError(t, err)

	require.Len(t, positions, 2)
	assert.Equal(t, "005930", positions[0].Symbol)
	assert.Equal(t, int64(10), positions[0].Quantity)
	assert.True(t, positions[0].AvgPrice.Equal(decimal.NewFromInt(70000)))
	assert.Equal(t, "035420", positions[1].Symbol)

	mu.Lock()
	assert.Equal(t, []string{"N/", "Y/A035420"}, contKeys)
	mu.Unlock()
}

func TestGetOrdersNormalizesVenueStatuses(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var cheGb string
	f.handle("t0425", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In struct {
				CheGb string `json:"chegb"`
			} `json:"t0425InBlock"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		cheGb = req.In.CheGb
		mu.Unlock()

		row := func(ordNo int, medosu string, qty, che int, status, ordTime string) map[string]interface{} {
			return map[string]interface{}{
				"ordno": ordNo, "expcode": "A005930", "hname": "삼성전자",
				"medosu": medosu, "qty": qty, "price": 71000,
				"cheqty": che, "cheprice": 71000, "ordrem": qty - che,
				"status": status, "ordtime": ordTime,
			}
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t0425OutBlock": map[string]string{"cts_ordno": ""},
			"t0425OutBlock1": []map[string]interface{}{
				row(100, "매수", 10, 10, "체결", "09015512"),
				row(101, "매수", 10, 4, "접수", "09020000"),
				row(102, "매도", 10, 0, "접수", "09030000"),
				row(103, "매수", 10, 0, "취소확인", "09040000"),
				row(104, "매수", 10, 0, "거부", "09050000"),
			},
		})
	})

	orders, err := f.broker.GetOrders(context.Background(), "20250630")
	require.NoError(t, err)

	require.Len(t, orders, 5)
	assert.Equal(t, "100", orders[0].ID)
	assert.Equal(t, core.OrderStatusFilled, orders[0].Status)
	assert.Equal(t, core.OrderStatusPartial, orders[1].Status)
	assert.Equal(t, int64(4), orders[1].FilledQty)
	assert.Equal(t, core.OrderStatusSubmitted, orders[2].Status)
	assert.Equal(t, core.SideSell, orders[2].Side)
	assert.Equal(t, core.OrderStatusCancelled, orders[3].Status)
	assert.Equal(t, core.OrderStatusRejected, orders[4].Status)

	wantCreated := time.Date(2025, 6, 30, 9, 1, 55, 0, core.KST)
	assert.True(t, orders[0].CreatedAt.Equal(wantCreated), "got %s", orders[0].CreatedAt)

	mu.Lock()
	assert.Equal(t, "0", cheGb)
	mu.Unlock()
}

func TestGetOrdersOtherDateReturnsEmpty(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var calls int
	f.handle("t0425", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	orders, err := f.broker.GetOrders(context.Background(), "20240101")
	require.NoError(t, err)
	assert.Empty(t, orders)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}

func TestGetOpenOrdersQueriesUnexecuted(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var cheGb string
	f.handle("t0425", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In struct {
				CheGb string `json:"chegb"`
			} `json:"t0425InBlock"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		cheGb = req.In.CheGb
		mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t0425OutBlock":  map[string]string{"cts_ordno": ""},
			"t0425OutBlock1": []map[string]interface{}{},
		})
	})

	orders, err := f.broker.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
	mu.Lock()
	assert.Equal(t, "2", cheGb)
	mu.Unlock()
}

func TestVenueOrderStatusMapping(t *testing.T) {
	assert.Equal(t, core.OrderStatusFilled, normalizeOrderStatus(10, 10, "접수"))
	assert.Equal(t, core.OrderStatusPartial, normalizeOrderStatus(10, 3, "체결"))
	assert.Equal(t, core.OrderStatusCancelled, normalizeOrderStatus(10, 0, "정정확인"))
	assert.Equal(t, core.OrderStatusSubmitted, normalizeOrderStatus(10, 0, "확인"))
	assert.Equal(t, core.OrderStatusSubmitted, normalizeOrderStatus(10, 0, "뭔가새로운상태"))
}
