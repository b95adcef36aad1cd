package ledger

import (
	"github.com/holiman/uint256"
)

// WAD is the fixed-point scale used for per-share accumulators.
var WAD = uint256.NewInt(1_000_000_000_000_000_000)

// MulDiv returns floor(x*y/d) with a 512-bit intermediate product. A zero
// divisor yields zero; a result wider than 256 bits saturates.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return z
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) *uint256.Int {
	z := MulDiv(x, y, d)
	if d.IsZero() {
		return z
	}
	if !new(uint256.Int).MulMod(x, y, d).IsZero() {
		z.AddUint64(z, 1)
	}
	return z
}

// Percent returns floor(x*bps/MaxPercent).
func Percent(x *uint256.Int, bps uint64) *uint256.Int {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(maxPercent))
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SubSat returns a-b, or zero when b > a.
func SubSat(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Add returns a+b and whether it overflowed.
func Add(a, b *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).AddOverflow(a, b)
}
