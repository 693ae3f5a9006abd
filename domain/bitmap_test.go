package domain

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmap_Set_IsIdempotent(t *testing.T) {
	req := require.New(t)

	// Given an empty bitmap of 20 chunks
	b := NewBitmap(20)

	// When the same index is acknowledged twice
	first := b.Set(7)
	snapshot := b.Clone()
	second := b.Set(7)

	// Then only the first application changes anything
	req.True(first)
	req.False(second)
	req.True(b.Equal(snapshot))
	req.Equal(1, b.Count())
}

func TestBitmap_Set_OutOfRange(t *testing.T) {
	req := require.New(t)
	b := NewBitmap(3)

	req.False(b.Set(-1))
	req.False(b.Set(3))
	req.Equal(0, b.Count())
}

func TestBitmap_Or_IsCommutative(t *testing.T) {
	req := require.New(t)
	rnd := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 1 + rnd.Intn(200)
		updates := make([]Bitmap, 1+rnd.Intn(6))
		expected := NewBitmap(n)
		for u := range updates {
			updates[u] = NewBitmap(n)
			for k := 0; k < rnd.Intn(n+1); k++ {
				i := rnd.Intn(n)
				updates[u].Set(i)
				expected.Set(i)
			}
		}

		// When updates are applied in two independent orders
		forward := NewBitmap(n)
		for _, u := range updates {
			var err error
			forward, err = forward.Or(u)
			req.NoError(err)
		}
		backward := NewBitmap(n)
		for _, idx := range rnd.Perm(len(updates)) {
			var err error
			backward, err = backward.Or(updates[idx])
			req.NoError(err)
		}

		// Then both equal the union of all updates
		req.True(forward.Equal(expected))
		req.True(backward.Equal(expected))
	}
}

func TestBitmap_Or_LengthMismatch(t *testing.T) {
	_, err := NewBitmap(3).Or(NewBitmap(4))
	require.Error(t, err)
}

func TestBitmap_NextMissing(t *testing.T) {
	req := require.New(t)

	// Given 3 chunks with {0,2} acknowledged
	b := NewBitmap(3)
	b.Set(0)
	b.Set(2)

	// Then index 1 is the only one left
	next, ok := b.NextMissing(0)
	req.True(ok)
	req.Equal(1, next)
	req.Equal([]int{1}, b.Missing())

	_, ok = b.NextMissing(2)
	req.False(ok)
}

func TestBitmap_Contains(t *testing.T) {
	req := require.New(t)
	small := NewBitmap(10)
	small.Set(1)
	big := small.Clone()
	big.Set(5)

	req.True(big.Contains(small))
	req.False(small.Contains(big))
	req.True(small.Contains(NewBitmap(10)))
	req.False(small.Contains(NewBitmap(11)))
}

func TestBitmapFromBytes(t *testing.T) {
	req := require.New(t)

	// Given a serialized bitmap of 10 bits with garbage in the padding
	b := NewBitmap(10)
	b.Set(0)
	b.Set(9)
	raw := b.Bytes()
	raw[1] |= 0xF0

	// When it is rebuilt
	back, err := BitmapFromBytes(10, raw)

	// Then padding bits are ignored
	req.NoError(err)
	req.True(back.Equal(b))
	req.Equal(2, back.Count())

	_, err = BitmapFromBytes(10, []byte{0})
	req.Error(err)
}

func TestBitmap_Clear(t *testing.T) {
	req := require.New(t)
	b := NewBitmap(4)
	b.Set(2)

	req.True(b.Clear(2))
	req.False(b.Clear(2))
	req.True(b.Empty())
}
