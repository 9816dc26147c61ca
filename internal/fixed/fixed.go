// Package fixed implements the big-integer fixed-point arithmetic used for
// every monetary value: USD amounts, prices and factors all carry 30 decimals.
// Division truncates toward zero; nothing in the runtime path uses floats.
package fixed

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the canonical fixed-point exponent.
	Decimals = 30
	// WeiDecimals is the exponent of market token amounts.
	WeiDecimals = 18
)

var (
	// FloatPrecision is 10^30, the value of 1.0 in canonical precision.
	FloatPrecision = Pow10(Decimals)
	// WeiPrecision is 10^18, one whole market token.
	WeiPrecision = Pow10(WeiDecimals)
)

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// Int returns v as a *big.Int.
func Int(v int64) *big.Int { return big.NewInt(v) }

// Pow10 returns 10^n.
func Pow10(n int) *big.Int {
	if n < 0 {
		panic(fmt.Sprintf("fixed: negative exponent %d", n))
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ExpandDecimals returns n * 10^decimals.
func ExpandDecimals(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Pow10(decimals))
}

// DecimalToFloat returns n * 10^(30-decimals), i.e. n scaled from a value with
// the given number of decimals to canonical precision.
func DecimalToFloat(n int64, decimals int) *big.Int {
	return ExpandDecimals(n, Decimals-decimals)
}

// MulDiv returns a*b/c truncated toward zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		panic("fixed: division by zero")
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// MulDivRoundUp returns a*b/c rounded away from zero when inexact.
func MulDivRoundUp(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		panic("fixed: division by zero")
	}
	num := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(num, c, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	if (num.Sign() < 0) != (c.Sign() < 0) {
		return q.Sub(q, big.NewInt(1))
	}
	return q.Add(q, big.NewInt(1))
}

// ApplyFactor returns value*factor/1e30.
func ApplyFactor(value, factor *big.Int) *big.Int {
	return MulDiv(value, factor, FloatPrecision)
}

// ToFactor returns value*1e30/divisor; a zero divisor yields zero.
func ToFactor(value, divisor *big.Int) *big.Int {
	if divisor.Sign() == 0 {
		return Zero()
	}
	return MulDiv(value, FloatPrecision, divisor)
}

// Add returns a+b.
func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }

// Sub returns a-b.
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }

// Neg returns -a.
func Neg(a *big.Int) *big.Int { return new(big.Int).Neg(a) }

// Abs returns |a|.
func Abs(a *big.Int) *big.Int { return new(big.Int).Abs(a) }

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Copy returns a copy of a, treating nil as zero.
func Copy(a *big.Int) *big.Int {
	if a == nil {
		return Zero()
	}
	return new(big.Int).Set(a)
}

// MaxUint256 is the largest uint256, used as an unbounded acceptable price.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Parse converts a decimal string such as "0.07" into a value with the given
// number of decimals. Excess precision is truncated toward zero.
func Parse(s string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// ParseFactor parses a decimal string into canonical 30-decimal precision.
func ParseFactor(s string) (*big.Int, error) {
	return Parse(s, Decimals)
}

// Format renders v, interpreted with the given number of decimals, as a plain
// decimal string for logs and API responses.
func Format(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// FormatUSD renders a canonical 30-decimal value.
func FormatUSD(v *big.Int) string {
	return Format(v, Decimals)
}
