package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	encoded := Encode(ts, "7f1c4a52-5a7e-4d0b-9a55-0b8f1f3f6c11")

	c, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "7f1c4a52-5a7e-4d0b-9a55-0b8f1f3f6c11", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl", "fHg"} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m"}

	assert.True(t, c.After(ts.Add(-time.Second), "z"))
	assert.False(t, c.After(ts.Add(time.Second), "a"))
	assert.True(t, c.After(ts, "a"))
	assert.False(t, c.After(ts, "m"))

	var none *Cursor
	assert.True(t, none.After(ts, "x"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(1000))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return ts, s }

	items, next, more := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Len(t, items, 3)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
