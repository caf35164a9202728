package denom

import (
	"math/rand"
	"testing"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zec(s string) int64 {
	z, err := domain.ParseZEC(s)
	if err != nil {
		panic(err)
	}
	return z
}

func TestAmount_GreedyFill(t *testing.T) {
	// 7.3 -> 5 + 1 + 1 + 0.25 = 7.25, dust 0.05
	s := Amount(zec("7.3"))
	assert.Equal(t, []int64{zec("5"), zec("1"), zec("1"), zec("0.25")}, s.Denominations)
	assert.Equal(t, zec("7.25"), s.Total)
	assert.Equal(t, zec("0.05"), s.Remainder)
}

func TestAmount_ExactCombination(t *testing.T) {
	s := Amount(zec("38.85"))
	// 25 + 10 + 2.5 + 1 + 0.25 + 0.1
	assert.Equal(t, zec("38.85"), s.Total)
	assert.Zero(t, s.Remainder)
}

func TestAmount_BelowMinimum(t *testing.T) {
	s := Amount(zec("0.05"))
	assert.Empty(t, s.Denominations)
	assert.Zero(t, s.Total)
	assert.Equal(t, zec("0.05"), s.Remainder)
}

func TestAmount_Zero(t *testing.T) {
	s := Amount(0)
	assert.Empty(t, s.Denominations)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Remainder)
}

func TestAmount_Negative(t *testing.T) {
	s := Amount(-zec("1"))
	assert.Empty(t, s.Denominations)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Remainder)
}

func TestAmount_Deterministic(t *testing.T) {
	a := zec("17.35")
	first := Amount(a)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Amount(a))
	}
}

// Greedy must never exceed the target, and the remainder must always be
// smaller than the smallest denomination.
func TestAmount_NeverOvershoots(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10_000; i++ {
		amount := rng.Int63n(100 * domain.ZatoshisPerZEC)
		s := Amount(amount)

		var sum int64
		for _, d := range s.Denominations {
			sum += d
		}
		require.Equal(t, s.Total, sum)
		require.LessOrEqual(t, s.Total, amount)
		require.Equal(t, amount, s.Total+s.Remainder)
		require.Less(t, s.Remainder, Smallest())
	}
}

// Greedy is not canonical for this set: 0.3 (three 0.1 coins) fills as a
// single 0.25 and strands 0.05.
func TestAmount_GreedyStrandsSmallDust(t *testing.T) {
	s := Amount(zec("0.3"))
	assert.Equal(t, []int64{zec("0.25")}, s.Denominations)
	assert.Equal(t, zec("0.05"), s.Remainder)
}

// For any amount that is itself a sum of standard denominations, the greedy
// remainder is either zero or exactly 0.05 ZEC (all denominations are 0.05
// multiples and the remainder is below the smallest one). From 5 ZEC up that
// keeps the relative remainder within the scheduler's 1% tolerance.
func TestAmount_DenominationSumRemainderBound(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 10_000; i++ {
		var amount int64
		picks := 1 + rng.Intn(12)
		for j := 0; j < picks; j++ {
			amount += Standard[rng.Intn(len(Standard))]
		}

		s := Amount(amount)
		if s.Remainder != 0 && s.Remainder != zec("0.05") {
			t.Fatalf("amount %s left remainder %s",
				domain.FormatZEC(amount), domain.FormatZEC(s.Remainder))
		}
		if amount >= zec("5") {
			require.LessOrEqual(t, s.Remainder*100, amount,
				"relative remainder above 1%% for %s", domain.FormatZEC(amount))
		}
	}
}

func TestAmount_DenominationsDescending(t *testing.T) {
	s := Amount(zec("63.85"))
	for i := 1; i < len(s.Denominations); i++ {
		assert.LessOrEqual(t, s.Denominations[i], s.Denominations[i-1])
	}
}
