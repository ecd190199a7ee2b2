package market

import (
	"fmt"
	"math/big"
)

// Scale is the fixed-point scale shared by curve coefficients, alpha, theta
// and oracle scores.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var two = big.NewInt(2)

// CurveParams holds the linear bonding-curve coefficients. Price per token at
// combined supply x is A + B·x/Scale, so A is the base price and B the slope.
type CurveParams struct {
	A *big.Int
	B *big.Int
}

// Validate rejects coefficient sets that cannot price trades: both must be
// non-negative and at least one positive, otherwise every cost would be zero.
func (p CurveParams) Validate() error {
	if p.A == nil || p.B == nil {
		return fmt.Errorf("%w: curve coefficients required", ErrInvalidParams)
	}
	if p.A.Sign() < 0 || p.B.Sign() < 0 {
		return fmt.Errorf("%w: curve coefficients must be non-negative", ErrInvalidParams)
	}
	if p.A.Sign() == 0 && p.B.Sign() == 0 {
		return fmt.Errorf("%w: degenerate curve", ErrInvalidParams)
	}
	return nil
}

// Clone returns a deep copy of the coefficients.
func (p CurveParams) Clone() CurveParams {
	return CurveParams{A: cloneBigInt(p.A), B: cloneBigInt(p.B)}
}

// CurveCost returns the collateral cost to mint tokens additional position
// tokens when the combined long+short supply is currently supply. It is the
// exact definite integral of the price function over [supply, supply+tokens]:
//
//	cost = a·tokens/Scale + b·(supply·tokens + tokens²/2)/Scale²
//
// evaluated in big.Int arithmetic so intermediate products cannot overflow.
// Division floors, matching the settlement payout arithmetic.
func CurveCost(a, b, supply, tokens *big.Int) *big.Int {
	if tokens == nil || tokens.Sign() <= 0 {
		return big.NewInt(0)
	}
	if supply == nil {
		supply = big.NewInt(0)
	}
	cost := new(big.Int)
	if a != nil && a.Sign() > 0 {
		linear := new(big.Int).Mul(a, tokens)
		linear.Quo(linear, Scale)
		cost.Add(cost, linear)
	}
	if b != nil && b.Sign() > 0 {
		area := new(big.Int).Mul(supply, tokens)
		half := new(big.Int).Mul(tokens, tokens)
		half.Quo(half, two)
		area.Add(area, half)
		quad := new(big.Int).Mul(b, area)
		quad.Quo(quad, new(big.Int).Mul(Scale, Scale))
		cost.Add(cost, quad)
	}
	return cost
}

// CurrentPrice quotes the 1e18-scaled price of the next unit of supply.
func CurrentPrice(a, b, supply *big.Int) *big.Int {
	price := new(big.Int)
	if a != nil {
		price.Set(a)
	}
	if b != nil && b.Sign() > 0 && supply != nil && supply.Sign() > 0 {
		slope := new(big.Int).Mul(b, supply)
		slope.Quo(slope, Scale)
		price.Add(price, slope)
	}
	return price
}

// CostToBuy prices a purchase against the market's current combined supply.
func (m *Market) CostToBuy(tokens *big.Int) *big.Int {
	return CurveCost(m.CurveA, m.CurveB, m.CombinedSupply(), tokens)
}

// CurrentPrice quotes the market's externally visible spot price.
func (m *Market) CurrentPrice() *big.Int {
	return CurrentPrice(m.CurveA, m.CurveB, m.CombinedSupply())
}
