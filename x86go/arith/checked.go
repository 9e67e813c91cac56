package arith

import (
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
	"golang.org/x/exp/constraints"
)

// Result carries the truncated result of a flag-computing operation.
type Result struct {
	Value    SizedValue
	Carry    bool
	Overflow bool
	// Adjust is the carry/borrow out of bit 3, used for the AF flag.
	Adjust bool
}

func (r Result) Sign() bool { return r.Value.Sign() }
func (r Result) Zero() bool { return r.Value.IsZero() }

// Parity is true when the low byte has an even number of set bits.
func (r Result) Parity() bool {
	return bits.OnesCount8(uint8(r.Value.Uint64()))%2 == 0
}

// AddFlags adds two values of the same width.
func AddFlags(a, b SizedValue) Result {
	return AddCarry(a, b, false)
}

// AddCarry adds a, b and an incoming carry.
func AddCarry(a, b SizedValue, carryIn bool) Result {
	sameWidth(a, b)
	var full uint256.Int
	full.Add(&a.v, &b.v)
	if carryIn {
		full.AddUint64(&full, 1)
	}
	res := FromInt(&full, a.w)
	limit := a.w.mask()
	return Result{
		Value:    res,
		Carry:    full.Gt(&limit),
		Overflow: a.Sign() == b.Sign() && res.Sign() != a.Sign(),
		Adjust:   adjust(a, b, res),
	}
}

// SubFlags computes a - b.
func SubFlags(a, b SizedValue) Result {
	return SubBorrow(a, b, false)
}

// SubBorrow computes a - b - borrowIn.
func SubBorrow(a, b SizedValue, borrowIn bool) Result {
	sameWidth(a, b)
	var sub uint256.Int
	sub.Set(&b.v)
	if borrowIn {
		sub.AddUint64(&sub, 1)
	}
	var full uint256.Int
	full.Sub(&a.v, &sub)
	res := FromInt(&full, a.w)
	return Result{
		Value:    res,
		Carry:    sub.Gt(&a.v),
		Overflow: a.Sign() != b.Sign() && res.Sign() != a.Sign(),
		Adjust:   adjust(a, b, res),
	}
}

func adjust(a, b, r SizedValue) bool {
	return (a.Uint64()^b.Uint64()^r.Uint64())&0x10 != 0
}

// Product is the result of a widening multiply.
type Product struct {
	// Full has twice the operand width.
	Full SizedValue
	// Low is Full truncated to the operand width.
	Low SizedValue
	// Carry and Overflow are both set when the full product does not fit the operand width.
	Carry    bool
	Overflow bool
}

func (p Product) High() SizedValue { return p.Full.UpperHalf() }

// MulFlags is an unsigned widening multiply.
func MulFlags(a, b SizedValue) Product {
	sameWidth(a, b)
	w := a.w.Double()
	var full uint256.Int
	full.Mul(&a.v, &b.v)
	prod := FromInt(&full, w)
	fits := prod.UpperHalf().IsZero()
	return Product{Full: prod, Low: prod.LowerHalf(), Carry: !fits, Overflow: !fits}
}

// IMulFlags is a signed widening multiply.
func IMulFlags(a, b SizedValue) Product {
	sameWidth(a, b)
	w := a.w.Double()
	x := a.signExtended256()
	y := b.signExtended256()
	var full uint256.Int
	full.Mul(&x, &y)
	prod := FromInt(&full, w)
	low := prod.LowerHalf()
	fits := low.SignExtend(w).Equal(prod)
	return Product{Full: prod, Low: low, Carry: !fits, Overflow: !fits}
}

// CheckedAdd sums host-side quantities that must never wrap. A carry is an invariant violation.
func CheckedAdd[T constraints.Unsigned](operands ...T) T {
	if len(operands) < 2 {
		panic("checked add needs at least two operands")
	}
	sum := operands[0]
	for _, o := range operands[1:] {
		next := sum + o
		if next < sum {
			panic(fmt.Errorf("checked add overflow: %d + %d", sum, o))
		}
		sum = next
	}
	return sum
}

// CheckedSub subtracts host-side quantities that must never borrow.
func CheckedSub[T constraints.Unsigned](operands ...T) T {
	if len(operands) < 2 {
		panic("checked sub needs at least two operands")
	}
	diff := operands[0]
	for _, o := range operands[1:] {
		if o > diff {
			panic(fmt.Errorf("checked sub underflow: %d - %d", diff, o))
		}
		diff -= o
	}
	return diff
}

// CheckedMul multiplies host-side quantities that must never overflow.
func CheckedMul[T constraints.Unsigned](operands ...T) T {
	if len(operands) < 2 {
		panic("checked mul needs at least two operands")
	}
	prod := operands[0]
	for _, o := range operands[1:] {
		if prod != 0 && o != 0 {
			next := prod * o
			if next/o != prod {
				panic(fmt.Errorf("checked mul overflow: %d * %d", prod, o))
			}
			prod = next
		} else {
			prod = 0
		}
	}
	return prod
}

// DivMod divides a dividend by a divisor of half its width. ok is false when the divisor is zero or
// the quotient does not fit the divisor width; both are #DE for the guest.
func DivMod(dividend, divisor SizedValue) (q, r SizedValue, ok bool) {
	if dividend.w != divisor.w.Double() {
		panic(fmt.Errorf("dividend width %s is not twice the divisor width %s", dividend.w, divisor.w))
	}
	if divisor.IsZero() {
		return q, r, false
	}
	var quo, rem uint256.Int
	quo.Div(&dividend.v, &divisor.v)
	rem.Mod(&dividend.v, &divisor.v)
	limit := divisor.w.mask()
	if quo.Gt(&limit) {
		return q, r, false
	}
	return FromInt(&quo, divisor.w), FromInt(&rem, divisor.w), true
}

// IDivMod is the signed DivMod. The quotient truncates towards zero and the remainder takes the
// sign of the dividend.
func IDivMod(dividend, divisor SizedValue) (q, r SizedValue, ok bool) {
	if dividend.w != divisor.w.Double() {
		panic(fmt.Errorf("dividend width %s is not twice the divisor width %s", dividend.w, divisor.w))
	}
	if divisor.IsZero() {
		return q, r, false
	}
	x := dividend.signExtended256()
	y := divisor.signExtended256()
	var quo, rem uint256.Int
	quo.SDiv(&x, &y)
	rem.SMod(&x, &y)
	q = FromInt(&quo, divisor.w)
	if back := q.signExtended256(); !back.Eq(&quo) {
		return SizedValue{}, SizedValue{}, false
	}
	return q, FromInt(&rem, divisor.w), true
}
