package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether the order buys or sells outcome tokens. The
// values match the CLOB wire format.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus tracks the exchange-side order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order is a signed exit order bound for the CLOB. Wallet is the maker
// holding the position; SignerAddress is the agent key that produced the
// signature, which differs from Wallet in proxy and Safe setups.
type Order struct {
	ID            string
	MarketID      string
	TokenID       string
	Wallet        string
	SignerAddress string
	SignatureType int // 0 EOA, 1 proxy, 2 Safe; must match the signed payload
	Side          OrderSide
	Type          OrderType
	PriceTicks    int64    // fixed-point: price * 1e6
	SizeUnits     int64    // fixed-point: size  * 1e6
	MakerAmount   *big.Int // integer amount given by the maker in the signed payload
	TakerAmount   *big.Int // integer amount received in the signed payload
	Salt          string   // decimal salt from the signed payload
	Status        OrderStatus
	Signature     string // EIP-712 hex
	RuleID        string // the trade rule this exit order serves
	CreatedAt     time.Time
}

// Price returns the float64 display price from fixed-point ticks.
func (o Order) Price() float64 {
	return float64(o.PriceTicks) / 1e6
}

// Size returns the float64 display size from fixed-point units.
func (o Order) Size() float64 {
	return float64(o.SizeUnits) / 1e6
}

// OrderResult wraps the API response after order submission.
type OrderResult struct {
	Success  bool
	OrderID  string
	Status   OrderStatus
	Message  string
	TxHashes []string // settlement transaction hashes, when matched
}
