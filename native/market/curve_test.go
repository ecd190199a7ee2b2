package market

import (
	"math/big"
	"math/rand"
	"testing"
)

func scaled(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

func TestCurveCostLinear(t *testing.T) {
	// a = 1.0, b = 0: every token costs exactly one collateral unit.
	cost := CurveCost(Scale, big.NewInt(0), big.NewInt(0), big.NewInt(137))
	if cost.Cmp(big.NewInt(137)) != 0 {
		t.Fatalf("expected 137, got %s", cost)
	}
	// Supply does not move a flat curve.
	cost = CurveCost(Scale, big.NewInt(0), scaled(1_000), big.NewInt(137))
	if cost.Cmp(big.NewInt(137)) != 0 {
		t.Fatalf("expected 137 at nonzero supply, got %s", cost)
	}
}

func TestCurveCostQuadratic(t *testing.T) {
	// a = 0, b = 1.0, supply 10, tokens 2:
	// cost = (10*2 + 2*2/2) = 22 whole units.
	cost := CurveCost(big.NewInt(0), Scale, scaled(10), scaled(2))
	if cost.Cmp(scaled(22)) != 0 {
		t.Fatalf("expected %s, got %s", scaled(22), cost)
	}
}

func TestCurveCostZeroOrNilInputs(t *testing.T) {
	if CurveCost(Scale, Scale, scaled(5), big.NewInt(0)).Sign() != 0 {
		t.Fatalf("zero tokens must cost zero")
	}
	if CurveCost(Scale, Scale, scaled(5), nil).Sign() != 0 {
		t.Fatalf("nil tokens must cost zero")
	}
	got := CurveCost(Scale, big.NewInt(0), nil, big.NewInt(7))
	if got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("nil supply must read as zero, got %s", got)
	}
}

// Buying in two tranches must cost the same as one combined purchase when the
// fixed-point divisions are exact, because the cost is a definite integral.
func TestCurveCostAdditiveAcrossTranches(t *testing.T) {
	a := new(big.Int).Rsh(new(big.Int).Set(Scale), 1)
	b := new(big.Int).Set(Scale)
	supply := scaled(2)
	t1 := scaled(3)
	t2 := scaled(5)

	combined := CurveCost(a, b, supply, new(big.Int).Add(t1, t2))
	first := CurveCost(a, b, supply, t1)
	second := CurveCost(a, b, new(big.Int).Add(supply, t1), t2)
	sum := new(big.Int).Add(first, second)
	if combined.Cmp(sum) != 0 {
		t.Fatalf("tranche split changed cost: combined=%s split=%s", combined, sum)
	}
}

func TestCurveCostMonotonicInTokens(t *testing.T) {
	a := new(big.Int).Set(Scale)
	b := big.NewInt(7)
	supply := big.NewInt(123_456)
	prev := big.NewInt(-1)
	for tokens := int64(1); tokens < 5_000; tokens += 37 {
		cost := CurveCost(a, b, supply, big.NewInt(tokens))
		if cost.Cmp(prev) <= 0 {
			t.Fatalf("cost not strictly increasing at %d tokens: %s then %s", tokens, prev, cost)
		}
		prev = cost
	}
}

func TestCurveCostGrowsWithSupply(t *testing.T) {
	b := new(big.Int).Set(Scale)
	tokens := scaled(1)
	low := CurveCost(big.NewInt(0), b, scaled(1), tokens)
	high := CurveCost(big.NewInt(0), b, scaled(9), tokens)
	if high.Cmp(low) <= 0 {
		t.Fatalf("later buyers must pay more on a sloped curve: %s vs %s", low, high)
	}
}

func TestCurrentPrice(t *testing.T) {
	price := CurrentPrice(scaled(2), big.NewInt(3), scaled(5))
	expected := new(big.Int).Add(scaled(2), big.NewInt(15))
	if price.Cmp(expected) != 0 {
		t.Fatalf("expected %s, got %s", expected, price)
	}
	if CurrentPrice(nil, nil, nil).Sign() != 0 {
		t.Fatalf("nil coefficients must quote zero")
	}
}

func TestCostToBuyUsesCombinedSupply(t *testing.T) {
	m := &Market{
		CurveA:      big.NewInt(0),
		CurveB:      new(big.Int).Set(Scale),
		LongSupply:  scaled(3),
		ShortSupply: scaled(2),
	}
	// cost over [5, 6) on a unit-slope curve is 5.5 whole units.
	cost := m.CostToBuy(scaled(1))
	expected := new(big.Int).Mul(big.NewInt(55), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if cost.Cmp(expected) != 0 {
		t.Fatalf("expected %s, got %s", expected, cost)
	}
}

// Randomised sweep over fixed-point coefficients. Costs stay non-negative,
// zero tokens cost zero, and the integral is strictly increasing in tokens
// and, for a positive slope, in supply.
func TestCurveCostRandomisedProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5eed))
	for i := 0; i < 250; i++ {
		a := scaled(rng.Int63n(40))
		b := scaled(rng.Int63n(40))
		if a.Sign() == 0 && b.Sign() == 0 {
			a = new(big.Int).Set(Scale)
		}
		supply := scaled(rng.Int63n(1_000))
		tokens := scaled(1 + rng.Int63n(500))
		delta := scaled(1 + rng.Int63n(100))

		if CurveCost(a, b, supply, big.NewInt(0)).Sign() != 0 {
			t.Fatalf("case %d: zero tokens must cost zero (a=%s b=%s supply=%s)", i, a, b, supply)
		}
		cost := CurveCost(a, b, supply, tokens)
		if cost.Sign() < 0 {
			t.Fatalf("case %d: negative cost %s", i, cost)
		}
		larger := CurveCost(a, b, supply, new(big.Int).Add(tokens, delta))
		if larger.Cmp(cost) <= 0 {
			t.Fatalf("case %d: cost not strictly increasing in tokens: %s then %s", i, cost, larger)
		}
		shifted := CurveCost(a, b, new(big.Int).Add(supply, delta), tokens)
		if b.Sign() > 0 {
			if shifted.Cmp(cost) <= 0 {
				t.Fatalf("case %d: cost not strictly increasing in supply: %s then %s", i, cost, shifted)
			}
		} else if shifted.Cmp(cost) != 0 {
			t.Fatalf("case %d: flat curve must ignore supply: %s then %s", i, cost, shifted)
		}
	}
}

func TestCurveParamsValidate(t *testing.T) {
	cases := []struct {
		name    string
		params  CurveParams
		wantErr bool
	}{
		{"ok", CurveParams{A: big.NewInt(1), B: big.NewInt(0)}, false},
		{"slope only", CurveParams{A: big.NewInt(0), B: big.NewInt(1)}, false},
		{"nil a", CurveParams{B: big.NewInt(1)}, true},
		{"negative b", CurveParams{A: big.NewInt(1), B: big.NewInt(-1)}, true},
		{"degenerate", CurveParams{A: big.NewInt(0), B: big.NewInt(0)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
