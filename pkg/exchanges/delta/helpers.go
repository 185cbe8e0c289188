package delta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"breakout-core/pkg/exchanges/common"
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// formatPrice renders a price without float noise (0.1+0.2 -> "0.3").
func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// flexFloat decodes numbers the venue sends either as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*f = flexFloat(d.InexactFloat64())
	return nil
}

func toSide(s common.Side) string {
	return strings.ToLower(string(s))
}

func fromSide(s string) common.Side {
	switch strings.ToLower(s) {
	case "buy":
		return common.SideBuy
	case "sell":
		return common.SideSell
	}
	return ""
}

// mapState converts venue order state into the normalized status.
func mapState(state string, size, unfilled float64) common.OrderStatus {
	switch strings.ToLower(state) {
	case "open", "pending":
		if unfilled < size && size > 0 {
			return common.StatusPartial
		}
		return common.StatusNew
	case "closed":
		if unfilled > 0 && unfilled < size {
			return common.StatusCanceled
		}
		return common.StatusFilled
	case "cancelled", "canceled":
		return common.StatusCanceled
	case "rejected":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

// resolutionParam maps a bar duration onto the venue's resolution strings.
func resolutionParam(d time.Duration) (string, bool) {
	switch d {
	case time.Minute:
		return "1m", true
	case 3 * time.Minute:
		return "3m", true
	case 5 * time.Minute:
		return "5m", true
	case 15 * time.Minute:
		return "15m", true
	case 30 * time.Minute:
		return "30m", true
	case time.Hour:
		return "1h", true
	case 2 * time.Hour:
		return "2h", true
	case 4 * time.Hour:
		return "4h", true
	case 6 * time.Hour:
		return "6h", true
	case 24 * time.Hour:
		return "1d", true
	case 7 * 24 * time.Hour:
		return "1w", true
	}
	return "", false
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *apiErrBody     `json:"error"`
}

type apiErrBody struct {
	Code    string `json:"code"`
	Context struct {
		ServerTime  int64 `json:"server_time"`
		RequestTime int64 `json:"request_time"`
	} `json:"context"`
}

type orderResp struct {
	ID               int64     `json:"id"`
	ProductID        int       `json:"product_id"`
	ProductSymbol    string    `json:"product_symbol"`
	Side             string    `json:"side"`
	OrderType        string    `json:"order_type"`
	StopOrderType    string    `json:"stop_order_type"`
	State            string    `json:"state"`
	Size             flexFloat `json:"size"`
	UnfilledSize     flexFloat `json:"unfilled_size"`
	LimitPrice       flexFloat `json:"limit_price"`
	StopPrice        flexFloat `json:"stop_price"`
	AverageFillPrice flexFloat `json:"average_fill_price"`
	ReduceOnly       bool      `json:"reduce_only"`
	ClientOrderID    string    `json:"client_order_id"`
}

func (o orderResp) state() common.OrderState {
	size, unfilled := float64(o.Size), float64(o.UnfilledSize)
	return common.OrderState{
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		Status:          mapState(o.State, size, unfilled),
		Qty:             size,
		FilledQty:       size - unfilled,
		AvgFillPrice:    float64(o.AverageFillPrice),
	}
}

func (o orderResp) openOrder() common.OpenOrder {
	typ := common.OrderTypeLimit
	switch {
	case o.StopOrderType == "take_profit_order":
		typ = common.OrderTypeTakeProfitMarket
	case o.StopOrderType != "" && o.OrderType == "limit_order":
		typ = common.OrderTypeStopLimit
	case o.StopOrderType != "":
		typ = common.OrderTypeStopMarket
	case o.OrderType == "market_order":
		typ = common.OrderTypeMarket
	}
	return common.OpenOrder{
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		Symbol:          o.ProductSymbol,
		Side:            fromSide(o.Side),
		Type:            typ,
		Qty:             float64(o.UnfilledSize),
		Price:           float64(o.LimitPrice),
		StopPrice:       float64(o.StopPrice),
		ReduceOnly:      o.ReduceOnly,
	}
}

type tickerResp struct {
	Symbol    string    `json:"symbol"`
	Close     flexFloat `json:"close"`
	MarkPrice flexFloat `json:"mark_price"`
}

type candleResp struct {
	Time   int64     `json:"time"`
	Open   flexFloat `json:"open"`
	High   flexFloat `json:"high"`
	Low    flexFloat `json:"low"`
	Close  flexFloat `json:"close"`
	Volume flexFloat `json:"volume"`
}

type positionResp struct {
	Size       flexFloat `json:"size"` // signed; negative is short
	EntryPrice flexFloat `json:"entry_price"`
	ProductID  int       `json:"product_id"`
}

type productResp struct {
	ID     int    `json:"id"`
	Symbol string `json:"symbol"`
}
