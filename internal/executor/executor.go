package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sentinelmarkets/sentinel/internal/crypto"
	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/engine"
)

// Signer abstracts EIP-712 order signing so the executor never depends on
// concrete key-management implementations.
type Signer interface {
	SignOrder(payload crypto.OrderPayload) (string, error)
	Address() common.Address
}

// ClobAPI is the slice of the CLOB client the executor needs: posting the
// exit order and sizing SELL_ALL exits from the wallet balance.
type ClobAPI interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	BalanceAllowance(ctx context.Context, tokenID string) (*big.Int, error)
}

const (
	// Shares and collateral both carry 6 decimals on the CLOB.
	baseUnits = 1_000_000

	// Exchange floor for a sell limit.
	minSellPrice = 0.001

	zeroAddress = "0x0000000000000000000000000000000000000000"

	defaultSlippageBps = 500
)

// Config tunes how exit orders are built and signed.
type Config struct {
	// SlippageBps widens the sell limit below the observed price. Zero
	// or negative selects the default of 500 (5%).
	SlippageBps int64

	// FunderAddress is the proxy wallet holding the positions. Empty
	// means the signer's own address is the maker.
	FunderAddress string

	// SignatureType matches the wallet setup: 0 EOA, 1 proxy, 2 Safe.
	SignatureType int
}

// ClobExecutor sells a position on the CLOB when a rule fires. Prepare
// sizes, builds, and signs the order; Submit posts it. The exit is a
// marketable limit: fill-and-kill at the tick price less a slippage
// allowance, so whatever the book holds at that level fills immediately
// and the rest dies instead of resting.
type ClobExecutor struct {
	clob        ClobAPI
	signer      Signer
	slippageBps int64
	funder      string
	sigType     int
	logger      *slog.Logger
}

// NewClobExecutor creates an executor selling through clob with orders
// signed by signer.
func NewClobExecutor(clob ClobAPI, signer Signer, cfg Config, logger *slog.Logger) *ClobExecutor {
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = defaultSlippageBps
	}
	return &ClobExecutor{
		clob:        clob,
		signer:      signer,
		slippageBps: cfg.SlippageBps,
		funder:      cfg.FunderAddress,
		sigType:     cfg.SignatureType,
		logger:      logger.With(slog.String("component", "executor")),
	}
}

var _ engine.ExitExecutor = (*ClobExecutor)(nil)

// exitTicket carries a signed order between Prepare and Submit.
type exitTicket struct {
	order domain.Order
}

// Describe returns the audit payload for the prepared order.
func (t *exitTicket) Describe() map[string]any {
	return map[string]any{
		"side":        string(t.order.Side),
		"order_type":  string(t.order.Type),
		"limit_price": t.order.Price(),
		"size":        t.order.Size(),
	}
}

// Prepare resolves the exit size, builds the sell order at the slipped
// limit, and signs it. Nothing reaches the book until Submit.
func (x *ClobExecutor) Prepare(ctx context.Context, rule domain.TradeRule, tick domain.PriceTick) (engine.ExitTicket, error) {
	sizeUnits, err := x.exitSize(ctx, rule)
	if err != nil {
		return nil, err
	}
	if sizeUnits.Sign() <= 0 {
		return nil, fmt.Errorf("executor: nothing to sell for token %s", rule.TokenID)
	}

	limit := x.limitPrice(tick.Price)
	priceTicks := int64(limit*baseUnits + 0.5)

	// A SELL gives sizeUnits outcome tokens and asks for
	// sizeUnits*limit collateral units back.
	makerAmount := new(big.Int).Set(sizeUnits)
	takerAmount := new(big.Int).Mul(sizeUnits, big.NewInt(priceTicks))
	takerAmount.Quo(takerAmount, big.NewInt(baseUnits))

	// With a proxy wallet setup the funder is the maker; the EIP-712
	// signature still comes from the agent key.
	wallet := x.signer.Address().Hex()
	maker := wallet
	if x.funder != "" {
		maker = x.funder
	}

	order := domain.Order{
		ID:            rule.ID,
		MarketID:      rule.MarketID,
		TokenID:       rule.TokenID,
		Wallet:        maker,
		SignerAddress: wallet,
		SignatureType: x.sigType,
		Side:          domain.OrderSideSell,
		Type:          domain.OrderTypeFAK,
		PriceTicks:    priceTicks,
		SizeUnits:     sizeUnits.Int64(),
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Salt:          fmt.Sprintf("%d", time.Now().UnixNano()),
		Status:        domain.OrderStatusPending,
		RuleID:        rule.ID,
		CreatedAt:     time.Now().UTC(),
	}

	payload := crypto.OrderPayload{
		Salt:          order.Salt,
		Maker:         maker,
		Signer:        wallet,
		Taker:         zeroAddress,
		TokenID:       rule.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          1, // SELL
		SignatureType: x.sigType,
	}

	signature, err := x.signer.SignOrder(payload)
	if err != nil {
		return nil, fmt.Errorf("executor: sign order: %w", err)
	}
	order.Signature = signature

	x.logger.Debug("exit order prepared",
		slog.String("rule_id", rule.ID),
		slog.String("token", rule.TokenID),
		slog.Float64("size", order.Size()),
		slog.Float64("limit_price", order.Price()),
	)

	return &exitTicket{order: order}, nil
}

// Submit posts the prepared order to the CLOB.
func (x *ClobExecutor) Submit(ctx context.Context, ticket engine.ExitTicket) (domain.OrderResult, error) {
	t, ok := ticket.(*exitTicket)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("executor: unexpected ticket type %T", ticket)
	}
	return x.clob.PostOrder(ctx, t.order)
}

// exitSize resolves the order size in base units from the rule's action.
// SELL_ALL reads the live conditional-token balance so the order covers
// whatever the wallet actually holds at trigger time.
func (x *ClobExecutor) exitSize(ctx context.Context, rule domain.TradeRule) (*big.Int, error) {
	switch rule.Action.Type {
	case domain.ActionSellPartial:
		return big.NewInt(int64(rule.Action.Amount*baseUnits + 0.5)), nil
	case domain.ActionSellAll:
		balance, err := x.clob.BalanceAllowance(ctx, rule.TokenID)
		if err != nil {
			return nil, fmt.Errorf("executor: size exit: %w", err)
		}
		return balance, nil
	default:
		return nil, fmt.Errorf("executor: unknown action %q", rule.Action.Type)
	}
}

// limitPrice applies the slippage allowance below the observed price,
// floored at the exchange minimum.
func (x *ClobExecutor) limitPrice(price float64) float64 {
	limit := price * (1 - float64(x.slippageBps)/10000)
	if limit < minSellPrice {
		limit = minSellPrice
	}
	return limit
}
