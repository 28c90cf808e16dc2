package canonicalize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsNestedKeys(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"msg": "<call mom & dad>"})
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"<call mom & dad>"}`, string(b))
}

func TestJCS_StructTags(t *testing.T) {
	type entry struct {
		Target string  `json:"target"`
		Amount float64 `json:"amount"`
	}
	b, err := JCS(entry{Target: "int-1", Amount: 25.0})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":25,"target":"int-1"}`, string(b))
}

func TestJCS_RejectsNaN(t *testing.T) {
	_, err := JCS(map[string]float64{"x": math.NaN()})
	assert.Error(t, err)
}

func TestCanonicalHash_Stable(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
