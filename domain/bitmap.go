package domain

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-length set of acknowledged chunk indices.
// Bit i lives in byte i/8 at position i%8.
type Bitmap struct {
	n    int
	bits []byte
}

func NewBitmap(n int) Bitmap {
	if n < 0 {
		n = 0
	}
	return Bitmap{n: n, bits: make([]byte, (n+7)/8)}
}

// BitmapFromBytes rebuilds a bitmap of length n from its serialized form.
// Bits past n are dropped.
func BitmapFromBytes(n int, raw []byte) (Bitmap, error) {
	if n < 0 || len(raw) != (n+7)/8 {
		return Bitmap{}, fmt.Errorf("bitmap of %d bits cannot be built from %d bytes", n, len(raw))
	}
	b := Bitmap{n: n, bits: append([]byte(nil), raw...)}
	if rem := n % 8; rem != 0 {
		b.bits[len(b.bits)-1] &= byte(1<<rem) - 1
	}
	return b, nil
}

func (b Bitmap) Len() int {
	return b.n
}

func (b Bitmap) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Set marks index i and reports whether it was newly set.
// Setting an index twice is a no-op.
func (b Bitmap) Set(i int) bool {
	if i < 0 || i >= b.n || b.Has(i) {
		return false
	}
	b.bits[i/8] |= 1 << (i % 8)
	return true
}

// Clear unmarks index i and reports whether it was set.
func (b Bitmap) Clear(i int) bool {
	if !b.Has(i) {
		return false
	}
	b.bits[i/8] &^= 1 << (i % 8)
	return true
}

// Or returns the union of two bitmaps of the same length.
func (b Bitmap) Or(other Bitmap) (Bitmap, error) {
	if b.n != other.n {
		return Bitmap{}, fmt.Errorf("bitmap length mismatch: %d vs %d", b.n, other.n)
	}
	out := b.Clone()
	for i := range out.bits {
		out.bits[i] |= other.bits[i]
	}
	return out, nil
}

func (b Bitmap) Count() int {
	c := 0
	for _, w := range b.bits {
		c += bits.OnesCount8(w)
	}
	return c
}

func (b Bitmap) Complete() bool {
	return b.Count() == b.n
}

func (b Bitmap) Empty() bool {
	return b.Count() == 0
}

// Missing lists unacknowledged indices in ascending order.
func (b Bitmap) Missing() []int {
	missing := make([]int, 0, b.n-b.Count())
	for i := 0; i < b.n; i++ {
		if !b.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// NextMissing returns the lowest unacknowledged index at or after from.
func (b Bitmap) NextMissing(from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	for i := from; i < b.n; i++ {
		if !b.Has(i) {
			return i, true
		}
	}
	return 0, false
}

// Contains reports whether every index set in other is also set in b.
func (b Bitmap) Contains(other Bitmap) bool {
	if b.n != other.n {
		return false
	}
	for i := range b.bits {
		if other.bits[i]&^b.bits[i] != 0 {
			return false
		}
	}
	return true
}

func (b Bitmap) Equal(other Bitmap) bool {
	return b.n == other.n && b.Contains(other) && other.Contains(b)
}

func (b Bitmap) Clone() Bitmap {
	return Bitmap{n: b.n, bits: append([]byte(nil), b.bits...)}
}

func (b Bitmap) Bytes() []byte {
	return append([]byte(nil), b.bits...)
}

func (b Bitmap) String() string {
	return fmt.Sprintf("%d/%d", b.Count(), b.n)
}
