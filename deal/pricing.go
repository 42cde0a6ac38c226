package deal

import (
	"errors"
	"fmt"
	"math/big"
)

// Tier selects a pricing and durability class for a storage deal.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

var ErrUnknownTier = errors.New("deal: unknown pricing tier")

// tierParams is the configured pricing table. Rates are micro-USDC per MB
// per 30 days, before the storage overhead markup.
type tierParams struct {
	ratePerMBMonth int64
	minPriceUSDC   int64 // micro-USDC floor per deal
	overheadPct    int
	replication    int
	erasureCoding  bool
	features       []string
}

var pricingTable = map[Tier]tierParams{
	TierBasic: {
		ratePerMBMonth: 80,
		minPriceUSDC:   100_000, // 0.10 USDC
		overheadPct:    0,
		replication:    1,
		features:       []string{"single-relay pin"},
	},
	TierStandard: {
		ratePerMBMonth: 150,
		minPriceUSDC:   500_000,
		overheadPct:    10,
		replication:    2,
		features:       []string{"single-relay pin", "2x replication"},
	},
	TierPremium: {
		ratePerMBMonth: 300,
		minPriceUSDC:   2_000_000,
		overheadPct:    40,
		replication:    3,
		erasureCoding:  true,
		features:       []string{"3x replication", "erasure coding", "storage proofs"},
	},
	TierEnterprise: {
		ratePerMBMonth: 600,
		minPriceUSDC:   10_000_000,
		overheadPct:    40,
		replication:    5,
		erasureCoding:  true,
		features:       []string{"5x replication", "erasure coding", "storage proofs", "priority pinning"},
	},
}

// Quote is what the client is asked to pay, and what it buys.
type Quote struct {
	Tier                   Tier     `json:"tier"`
	PriceUSDC              *big.Int `json:"priceUSDC"` // atomic 10^6 units
	Features               []string `json:"features"`
	StorageOverheadPercent int      `json:"storageOverheadPercent"`
	ReplicationFactor      int      `json:"replicationFactor"`
	ErasureCoding          bool     `json:"erasureCoding"`
}

// Price quotes a deal deterministically from the pricing table. An empty
// tier means basic.
func Price(sizeMB, durationDays uint64, tier Tier) (Quote, error) {
	if tier == "" {
		tier = TierBasic
	}
	params, ok := pricingTable[tier]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	// price = sizeMB * (1 + overhead) * rate * days / 30, floored per tier.
	price := new(big.Int).SetUint64(sizeMB)
	price.Mul(price, big.NewInt(int64(100+params.overheadPct)))
	price.Mul(price, big.NewInt(params.ratePerMBMonth))
	price.Mul(price, new(big.Int).SetUint64(durationDays))
	price.Div(price, big.NewInt(100*30))
	if floor := big.NewInt(params.minPriceUSDC); price.Cmp(floor) < 0 {
		price.Set(floor)
	}

	return Quote{
		Tier:                   tier,
		PriceUSDC:              price,
		Features:               append([]string(nil), params.features...),
		StorageOverheadPercent: params.overheadPct,
		ReplicationFactor:      params.replication,
		ErasureCoding:          params.erasureCoding,
	}, nil
}

// PricingTable quotes one month of 1 GB storage per tier, for the public
// pricing endpoint.
func PricingTable() []Quote {
	out := make([]Quote, 0, len(pricingTable))
	for _, tier := range []Tier{TierBasic, TierStandard, TierPremium, TierEnterprise} {
		q, _ := Price(1024, 30, tier)
		out = append(out, q)
	}
	return out
}
