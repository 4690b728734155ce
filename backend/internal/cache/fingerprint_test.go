package cache

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIgnoresKeyOrderAndNumberFormat(t *testing.T) {
	type ordered struct {
		Width  float64 `json:"width"`
		Height int     `json:"height"`
	}
	a, err := Normalize(map[string]any{"height": 2, "width": 1.0})
	require.NoError(t, err)
	b, err := Normalize(ordered{Width: 1, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"height":2,"width":1}`, a)
}

func TestNormalizeNested(t *testing.T) {
	got, err := Normalize(map[string]any{
		"lines": []any{map[string]any{"qty": 1e0, "sku": "A"}, nil, true},
		"rate":  0.25,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"lines":[{"qty":1,"sku":"A"},null,true],"rate":0.25}`, got)
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	a, err := Fingerprint("calc", "roof-area", map[string]any{"pitch": 4})
	require.NoError(t, err)
	b, err := Fingerprint("calc", "roof-area", map[string]any{"pitch": 5})
	require.NoError(t, err)
	c, err := Fingerprint("calc", "wall-area", map[string]any{"pitch": 4})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestKeyFormat(t *testing.T) {
	k, err := Key("calc", "pricing", "total", map[string]any{"b": 1.0, "a": "x"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^calc:pricing:[0-9a-f]{16}$`), k)

	k2, err := Key("calc", "pricing", "total", map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, k, k2)
}

func TestNormalizeRejectsUnmarshalable(t *testing.T) {
	_, err := Normalize(map[string]any{"f": func() {}})
	assert.Error(t, err)
}
