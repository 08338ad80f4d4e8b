package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_StructTagsAndNesting(t *testing.T) {
	type row struct {
		UserID     string `json:"userId"`
		FinalUnits string `json:"finalUnits"`
	}
	b, err := JCS([]row{{UserID: "alice", FinalUnits: "7"}})
	require.NoError(t, err)
	assert.Equal(t, `[{"finalUnits":"7","userId":"alice"}]`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<b> & </b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b> & </b>"}`, string(b))
}

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": "1", "y": "2"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": "2", "x": "1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestIdentifier_NFC(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.NotEqual(t, composed, decomposed)
	assert.Equal(t, Identifier(composed), Identifier(decomposed))
}
