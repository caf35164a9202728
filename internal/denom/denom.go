// Package denom converts arbitrary payout amounts into multisets of fixed
// standard denominations so that no shielded payout carries a unique,
// fingerprintable amount.
package denom

import "github.com/sableintel/humint-escrow/internal/domain"

// Standard denominations in zatoshis, descending. Every value is a multiple
// of 0.05 ZEC, so greedy largest-first fill strands at most 0.05 ZEC on any
// amount that is itself a sum of standard denominations (e.g. 0.3 fills as
// 0.25 and leaves 0.05). Callers enforce a relative remainder tolerance on
// top of this; the bound is validated by property tests.
var Standard = []int64{
	25 * domain.ZatoshisPerZEC,
	10 * domain.ZatoshisPerZEC,
	5 * domain.ZatoshisPerZEC,
	25 * domain.ZatoshisPerZEC / 10, // 2.5
	1 * domain.ZatoshisPerZEC,
	domain.ZatoshisPerZEC / 2,  // 0.5
	domain.ZatoshisPerZEC / 4,  // 0.25
	domain.ZatoshisPerZEC / 10, // 0.1
}

// Smallest returns the minimum standard denomination.
func Smallest() int64 {
	return Standard[len(Standard)-1]
}

// Split is the result of denominating a payout amount.
type Split struct {
	// Denominations in the order they were filled (largest first).
	Denominations []int64
	// Total is the achieved sum, always <= the requested amount.
	Total int64
	// Remainder is the undenominable dust (requested - Total). It is kept as
	// a platform fee, never returned to the requester.
	Remainder int64
}

// Amount splits amount (zatoshis) into standard denominations using greedy
// largest-denomination-first fill. Deterministic and side-effect free.
// Amounts below the smallest denomination yield an empty split with the full
// amount as remainder; callers must reject those withdrawals.
func Amount(amount int64) Split {
	s := Split{}
	if amount <= 0 {
		s.Remainder = max(amount, 0)
		return s
	}

	remaining := amount
	for _, d := range Standard {
		for remaining >= d {
			s.Denominations = append(s.Denominations, d)
			s.Total += d
			remaining -= d
		}
	}
	s.Remainder = remaining
	return s
}
