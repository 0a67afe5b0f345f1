package ls

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Venue payloads mix bare numbers (REST) with number-strings (WebSocket
// bodies), so all numeric parsing funnels through these.

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return int64(parseFloat(s))
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func numFloat(n json.Number) float64 { return parseFloat(n.String()) }

func numInt(n json.Number) int64 { return parseInt(n.String()) }

func numDecimal(n json.Number) decimal.Decimal { return parseDecimal(n.String()) }

// fieldFloat reads a numeric field from a generically decoded out block.
func fieldFloat(block map[string]interface{}, key string) float64 {
	switch v := block[key].(type) {
	case float64:
		return v
	case json.Number:
		return numFloat(v)
	case string:
		return parseFloat(v)
	}
	return 0
}

func fieldInt(block map[string]interface{}, key string) int64 {
	return int64(fieldFloat(block, key))
}

func fieldDecimal(block map[string]interface{}, key string) decimal.Decimal {
	switch v := block[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case json.Number:
		return numDecimal(v)
	case string:
		return parseDecimal(v)
	}
	return decimal.Zero
}

func fieldString(block map[string]interface{}, key string) string {
	if s, ok := block[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// isuNo formats a symbol for order and invest-info TRs, which expect the
// A-prefixed issue code.
func isuNo(symbol string) string {
	if len(symbol) == 6 {
		return "A" + symbol
	}
	return symbol
}

// plainSymbol strips the issue-code prefix venue responses carry.
func plainSymbol(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 7 && (code[0] == 'A' || code[0] == 'J') {
		return code[1:]
	}
	return code
}

// applySign converts the venue's unsigned change fields using its sign
// flag: 1/2 up, 3 flat, 4/5 down.
func applySign(sign string, v decimal.Decimal) decimal.Decimal {
	if sign == "4" || sign == "5" {
		return v.Neg()
	}
	return v
}

func applySignFloat(sign string, v float64) float64 {
	if sign == "4" || sign == "5" {
		return -v
	}
	return v
}
