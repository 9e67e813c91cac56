package arith

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ByteWidth is the declared width of a sized value.
type ByteWidth uint8

const (
	Byte   ByteWidth = 1
	Word   ByteWidth = 2
	DWord  ByteWidth = 4
	QWord  ByteWidth = 8
	DQWord ByteWidth = 16
)

func (w ByteWidth) Valid() bool {
	switch w {
	case Byte, Word, DWord, QWord, DQWord:
		return true
	}
	return false
}

func (w ByteWidth) Bits() uint {
	return uint(w) * 8
}

// Double is the width of a full product of two values of width w.
func (w ByteWidth) Double() ByteWidth {
	if w == DQWord {
		panic("no width above 16 bytes")
	}
	return w * 2
}

// Half is the inverse of Double.
func (w ByteWidth) Half() ByteWidth {
	if w == Byte {
		panic("no width below 1 byte")
	}
	return w / 2
}

func (w ByteWidth) String() string {
	switch w {
	case Byte:
		return "byte"
	case Word:
		return "word"
	case DWord:
		return "dword"
	case QWord:
		return "qword"
	case DQWord:
		return "dqword"
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// WidthOfBits maps an operand size in bits to a width.
func WidthOfBits(bits int) ByteWidth {
	w := ByteWidth(bits / 8)
	if bits%8 != 0 || !w.Valid() {
		panic(fmt.Errorf("invalid operand size %d bits", bits))
	}
	return w
}

func (w ByteWidth) mustValid() {
	if !w.Valid() {
		panic(fmt.Errorf("invalid byte width %d", uint8(w)))
	}
}

// mask returns 2^bits-1 for the width.
func (w ByteWidth) mask() uint256.Int {
	w.mustValid()
	var m uint256.Int
	m.Lsh(uint256.NewInt(1), w.Bits())
	m.Sub(&m, uint256.NewInt(1))
	return m
}

// SizedValue is an unsigned magnitude tagged with a byte width. Every operation truncates to the width.
type SizedValue struct {
	v uint256.Int
	w ByteWidth
}

// New truncates v to the width.
func New(v uint64, w ByteWidth) SizedValue {
	return FromInt(uint256.NewInt(v), w)
}

// FromInt truncates a 256-bit integer to the width.
func FromInt(v *uint256.Int, w ByteWidth) SizedValue {
	m := w.mask()
	var out SizedValue
	out.v.And(v, &m)
	out.w = w
	return out
}

// FromHalves joins hi:lo into a value of double their width.
func FromHalves(hi, lo SizedValue) SizedValue {
	sameWidth(hi, lo)
	w := lo.w.Double()
	var v uint256.Int
	v.Lsh(&hi.v, lo.w.Bits())
	v.Or(&v, &lo.v)
	return FromInt(&v, w)
}

// Max is the largest unsigned value of the width.
func Max(w ByteWidth) SizedValue {
	m := w.mask()
	return SizedValue{v: m, w: w}
}

func (s SizedValue) Width() ByteWidth { return s.w }

// Uint64 returns the low 64 bits.
func (s SizedValue) Uint64() uint64 { return s.v.Uint64() }

// Int returns a copy of the magnitude.
func (s SizedValue) Int() *uint256.Int { return new(uint256.Int).Set(&s.v) }

// Int64 interprets a value of at most 8 bytes as two's complement.
func (s SizedValue) Int64() int64 {
	if s.w > QWord {
		panic("value does not fit in 64 bits")
	}
	return int64(s.SignExtend(QWord).Uint64())
}

func (s SizedValue) IsZero() bool { return s.v.IsZero() }

// Sign is the most significant bit of the width.
func (s SizedValue) Sign() bool { return s.Bit(s.w.Bits() - 1) }

func (s SizedValue) Bit(n uint) bool {
	if n >= s.w.Bits() {
		return false
	}
	var t uint256.Int
	t.Rsh(&s.v, n)
	return t.Uint64()&1 != 0
}

func (s SizedValue) Equal(o SizedValue) bool {
	return s.w == o.w && s.v.Eq(&o.v)
}

func (s SizedValue) String() string {
	return fmt.Sprintf("%s:%s", s.v.Hex(), s.w)
}

func sameWidth(a, b SizedValue) {
	if a.w != b.w {
		panic(fmt.Errorf("width mismatch: %s vs %s", a.w, b.w))
	}
}

func (s SizedValue) Add(o SizedValue) SizedValue {
	sameWidth(s, o)
	var r uint256.Int
	r.Add(&s.v, &o.v)
	return FromInt(&r, s.w)
}

func (s SizedValue) Sub(o SizedValue) SizedValue {
	sameWidth(s, o)
	var r uint256.Int
	r.Sub(&s.v, &o.v)
	return FromInt(&r, s.w)
}

func (s SizedValue) Mul(o SizedValue) SizedValue {
	sameWidth(s, o)
	var r uint256.Int
	r.Mul(&s.v, &o.v)
	return FromInt(&r, s.w)
}

// Div is unsigned division. Division by zero is a caller bug; guest #DE is raised before getting here.
func (s SizedValue) Div(o SizedValue) SizedValue {
	sameWidth(s, o)
	if o.IsZero() {
		panic("division by zero")
	}
	var r uint256.Int
	r.Div(&s.v, &o.v)
	return FromInt(&r, s.w)
}

func (s SizedValue) Mod(o SizedValue) SizedValue {
	sameWidth(s, o)
	if o.IsZero() {
		panic("division by zero")
	}
	var r uint256.Int
	r.Mod(&s.v, &o.v)
	return FromInt(&r, s.w)
}

func (s SizedValue) And(o SizedValue) SizedValue {
	sameWidth(s, o)
	var r uint256.Int
	r.And(&s.v, &o.v)
	return SizedValue{v: r, w: s.w}
}

func (s SizedValue) Or(o SizedValue) SizedValue {
	sameWidth(s, o)
	var r uint256.Int
	r.Or(&s.v, &o.v)
	return SizedValue{v: r, w: s.w}
}

func (s SizedValue) Xor(o SizedValue) SizedValue {
	sameWidth(s, o)
	var r uint256.Int
	r.Xor(&s.v, &o.v)
	return SizedValue{v: r, w: s.w}
}

func (s SizedValue) Not() SizedValue {
	var r uint256.Int
	r.Not(&s.v)
	return FromInt(&r, s.w)
}

// Neg is the two's complement negation within the width.
func (s SizedValue) Neg() SizedValue {
	return New(0, s.w).Sub(s)
}

// Shl shifts left; the count is expected to be masked by the caller.
func (s SizedValue) Shl(n uint) SizedValue {
	var r uint256.Int
	r.Lsh(&s.v, n)
	return FromInt(&r, s.w)
}

// Shr is a logical right shift.
func (s SizedValue) Shr(n uint) SizedValue {
	var r uint256.Int
	r.Rsh(&s.v, n)
	return SizedValue{v: r, w: s.w}
}

// Sar is an arithmetic right shift within the width.
func (s SizedValue) Sar(n uint) SizedValue {
	wide := s.signExtended256()
	var r uint256.Int
	r.SRsh(&wide, n)
	return FromInt(&r, s.w)
}

// Rol rotates left within the width.
func (s SizedValue) Rol(n uint) SizedValue {
	n %= s.w.Bits()
	if n == 0 {
		return s
	}
	return s.Shl(n).Or(s.Shr(s.w.Bits() - n))
}

// Ror rotates right within the width.
func (s SizedValue) Ror(n uint) SizedValue {
	n %= s.w.Bits()
	if n == 0 {
		return s
	}
	return s.Shr(n).Or(s.Shl(s.w.Bits() - n))
}

// ZeroExtend widens to w.
func (s SizedValue) ZeroExtend(w ByteWidth) SizedValue {
	if w < s.w {
		panic(fmt.Errorf("cannot zero-extend %s to %s", s.w, w))
	}
	w.mustValid()
	return SizedValue{v: s.v, w: w}
}

// SignExtend widens to w, replicating the sign bit.
func (s SizedValue) SignExtend(w ByteWidth) SizedValue {
	if w < s.w {
		panic(fmt.Errorf("cannot sign-extend %s to %s", s.w, w))
	}
	wide := s.signExtended256()
	return FromInt(&wide, w)
}

// Truncate narrows to w.
func (s SizedValue) Truncate(w ByteWidth) SizedValue {
	if w > s.w {
		panic(fmt.Errorf("cannot truncate %s to %s", s.w, w))
	}
	return FromInt(&s.v, w)
}

// Resize zero-extends or truncates to w.
func (s SizedValue) Resize(w ByteWidth) SizedValue {
	if w >= s.w {
		return s.ZeroExtend(w)
	}
	return s.Truncate(w)
}

// LowerHalf and UpperHalf split a value into two values of half its width.
func (s SizedValue) LowerHalf() SizedValue {
	return s.Truncate(s.w.Half())
}

func (s SizedValue) UpperHalf() SizedValue {
	h := s.w.Half()
	return s.Shr(h.Bits()).Truncate(h)
}

func (s SizedValue) signExtended256() uint256.Int {
	r := s.v
	if s.Sign() {
		m := s.w.mask()
		var hi uint256.Int
		hi.Not(&m)
		r.Or(&r, &hi)
	}
	return r
}
