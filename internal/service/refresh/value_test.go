package refresh

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_GenerateValue(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 100 {
		value, err := GenerateValue()
		require.NoError(t, err)

		raw, err := base64.RawURLEncoding.DecodeString(value)
		require.NoError(t, err, "value has to be url safe")
		require.Len(t, raw, 32)

		_, dup := seen[value]
		require.False(t, dup, "values have to be unique")
		seen[value] = struct{}{}
	}
}

func Test_Mask(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abcd****yz", Mask("abcdefghijklmnopqrstuvwxyz"))
	require.Equal(t, "******", Mask("abcdef"))
	require.Equal(t, "", Mask(""))
}
