package service

import (
	"context"
	"fmt"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceOracle converts reward amounts quoted in fiat into ZEC. Accuracy here
// feeds directly into denomination fit, so the conversion is pluggable
// rather than a literal constant in the credit path.
type PriceOracle interface {
	// ZECPerUSD returns how many ZEC one USD buys.
	ZECPerUSD(ctx context.Context) (decimal.Decimal, error)
}

// StaticPriceOracle serves a fixed rate. Used for local runs and tests; a
// production deployment plugs in a market-data backed implementation.
type StaticPriceOracle struct {
	rate decimal.Decimal
}

func NewStaticPriceOracle(zecPerUSD decimal.Decimal) *StaticPriceOracle {
	return &StaticPriceOracle{rate: zecPerUSD}
}

func (o *StaticPriceOracle) ZECPerUSD(ctx context.Context) (decimal.Decimal, error) {
	if !o.rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("static ZEC/USD rate not configured")
	}
	return o.rate, nil
}

// ConvertUSDToZatoshis turns a USD reward into zatoshis using the oracle.
func ConvertUSDToZatoshis(ctx context.Context, oracle PriceOracle, usd decimal.Decimal) (int64, error) {
	if usd.IsNegative() {
		return 0, fmt.Errorf("USD amount must not be negative: %s", usd)
	}
	rate, err := oracle.ZECPerUSD(ctx)
	if err != nil {
		return 0, err
	}
	return domain.Zatoshis(usd.Mul(rate)), nil
}
