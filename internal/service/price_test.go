package service_test

import (
	"context"
	"testing"

	"github.com/sableintel/humint-escrow/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertUSDToZatoshis(t *testing.T) {
	// 1 USD buys 0.02 ZEC.
	oracle := service.NewStaticPriceOracle(decimal.RequireFromString("0.02"))

	got, err := service.ConvertUSDToZatoshis(context.Background(), oracle, decimal.RequireFromString("500"))
	require.NoError(t, err)
	assert.Equal(t, int64(10_0000_0000), got) // 10 ZEC

	got, err = service.ConvertUSDToZatoshis(context.Background(), oracle, decimal.Zero)
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = service.ConvertUSDToZatoshis(context.Background(), oracle, decimal.RequireFromString("-1"))
	require.Error(t, err)
}

func TestStaticPriceOracle_RequiresPositiveRate(t *testing.T) {
	oracle := service.NewStaticPriceOracle(decimal.Zero)
	_, err := oracle.ZECPerUSD(context.Background())
	require.Error(t, err)
}
