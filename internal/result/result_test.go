package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrap(t *testing.T) {
	v, err := Ok(42).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Denied[int]("limit reached").Unwrap()
	require.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "limit reached")

	_, err = NotFound[int]("no relation").Unwrap()
	require.ErrorIs(t, err, ErrNotFound)

	cause := errors.New("database is locked")
	_, err = Transient[int](cause).Unwrap()
	require.ErrorIs(t, err, cause)
}

func TestInvalidIsDenied(t *testing.T) {
	r := Invalid[string]("hours must be positive, got %d", -1)
	assert.Equal(t, KindDenied, r.Kind)
	assert.True(t, r.IsInvalid())
	assert.Equal(t, "hours must be positive, got -1", r.Reason)

	_, err := r.Unwrap()
	require.ErrorIs(t, err, ErrInvalid)

	assert.False(t, Denied[string]("quota").IsInvalid())
}

func TestDeniedWithKeepsValue(t *testing.T) {
	r := DeniedWith(7, "nope")
	v, err := r.Unwrap()
	require.Error(t, err)
	assert.Equal(t, 7, v)
}

func TestMap(t *testing.T) {
	doubled := Map(Ok(3), func(v int) int { return v * 2 })
	assert.True(t, doubled.IsOk())
	assert.Equal(t, 6, doubled.Value)

	nf := Map(NotFound[int]("gone"), func(v int) string { return "x" })
	assert.Equal(t, KindNotFound, nf.Kind)
	assert.Equal(t, "", nf.Value)
	assert.Equal(t, "gone", nf.Reason)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ok", KindOk.String())
	assert.Equal(t, "denied", KindDenied.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "transient", KindTransient.String())
}

func TestForward(t *testing.T) {
	src := Invalid[int]("bad %s", "input")
	out := Forward[string](src)
	assert.True(t, out.IsInvalid())
	assert.Equal(t, "bad input", out.Reason)
	assert.Equal(t, "", out.Value)
}
