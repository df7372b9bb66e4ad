package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Market stream wire format
// --------------------------------------------------------------------------

// StreamCommand is the outbound subscription envelope for the market
// channel. Auth stays empty for public market data.
type StreamCommand struct {
	Auth      struct{} `json:"auth"`
	Type      string   `json:"type"`
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

const (
	streamChannelMarket = "market"
	streamOpSubscribe   = "subscribe"
	streamOpUnsubscribe = "unsubscribe"
	eventTypeBook       = "book"
	eventTypeLastTrade  = "last_trade_price"
)

func newStreamCommand(op string, assetIDs []string) StreamCommand {
	return StreamCommand{
		Type:      streamChannelMarket,
		AssetIDs:  assetIDs,
		Operation: op,
	}
}

// streamEnvelope carries only the discriminator of an inbound frame.
// Frames the envelope cannot classify are dropped, except for explicit
// error markers.
type streamEnvelope struct {
	EventType string `json:"event_type"`
	Error     string `json:"error"`
}

// WireLevel is one price level as sent on the wire, both values as
// decimal strings.
type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookEvent is a full orderbook snapshot frame.
type BookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Hash      string      `json:"hash"`
	Timestamp string      `json:"timestamp"`
	Buys      []WireLevel `json:"buys"`
	Sells     []WireLevel `json:"sells"`
}

// TradePriceEvent is a last-trade-price notification frame.
type TradePriceEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// parseWireTime accepts the feed's millisecond-epoch strings and falls
// back to RFC3339 before giving up and stamping the current time.
func parseWireTime(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func parseWireLevels(levels []WireLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// Snapshot converts a book frame into a domain snapshot. Levels are not
// assumed sorted; best bid and ask are recomputed.
func (b *BookEvent) Snapshot() domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		TokenID:   b.AssetID,
		Market:    b.Market,
		Hash:      b.Hash,
		Bids:      parseWireLevels(b.Buys),
		Asks:      parseWireLevels(b.Sells),
		Timestamp: parseWireTime(b.Timestamp),
	}
	for _, l := range snap.Bids {
		if l.Price > snap.BestBid {
			snap.BestBid = l.Price
		}
	}
	for _, l := range snap.Asks {
		if snap.BestAsk == 0 || l.Price < snap.BestAsk {
			snap.BestAsk = l.Price
		}
	}
	return snap
}

// Tick converts a trade-price frame into a domain tick. The ok result is
// false when the price does not parse; range validation is the caller's
// job via PriceTick.Valid.
func (e *TradePriceEvent) Tick() (domain.PriceTick, bool) {
	price, err := strconv.ParseFloat(e.Price, 64)
	if err != nil {
		return domain.PriceTick{}, false
	}
	return domain.PriceTick{
		TokenID:   e.AssetID,
		Price:     price,
		Timestamp: parseWireTime(e.Timestamp),
	}, true
}

// --------------------------------------------------------------------------
// CLOB REST DTOs
// --------------------------------------------------------------------------

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success           bool     `json:"success"`
	ErrorMsg          string   `json:"errorMsg"`
	OrderID           string   `json:"orderID"`
	Status            string   `json:"status"`
	TransactionHashes []string `json:"transactionsHashes"`
}

// ToDomainOrderResult converts the API response into a domain.OrderResult,
// normalizing the exchange's status strings.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success:  r.Success,
		OrderID:  r.OrderID,
		Message:  r.ErrorMsg,
		TxHashes: r.TransactionHashes,
	}

	switch r.Status {
	case "live", "open":
		result.Status = domain.OrderStatusOpen
	case "matched":
		result.Status = domain.OrderStatusMatched
	case "delayed":
		result.Status = domain.OrderStatusPending
	default:
		if r.Success {
			result.Status = domain.OrderStatusPending
		} else {
			result.Status = domain.OrderStatusFailed
		}
	}

	return result
}

// APIBalanceAllowance is the response from the balance-allowance endpoint,
// reporting a token position size in base units.
type APIBalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// APIKeyResponse is returned when deriving or creating CLOB API credentials.
type APIKeyResponse struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// GammaMarket is the subset of the Gamma metadata API response used for
// slug resolution.
type GammaMarket struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Question    string   `json:"question"`
	ConditionID string   `json:"conditionId"`
	Active      flexBool `json:"active"`
	Closed      flexBool `json:"closed"`
}
