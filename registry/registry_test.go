package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterIfAbsentIsIdempotent(t *testing.T) {
	r := New()
	r.RegisterIfAbsent("Widget")
	r.RegisterIfAbsent("Widget")

	v, ok := r.LatestVersion("Widget")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestUpgradeChainWalksEachStep(t *testing.T) {
	r := New()
	r.Register("Widget", 3, nil, nil)
	r.RegisterUpgrade("Widget", 1, 2, func(data map[string]interface{}) (map[string]interface{}, error) {
		data["v2_added"] = true
		return data, nil
	})
	r.RegisterUpgrade("Widget", 2, 3, func(data map[string]interface{}) (map[string]interface{}, error) {
		data["v3_added"] = true
		return data, nil
	})

	out, err := r.Upgrade("Widget", 1, map[string]interface{}{"name": "bolt"})
	require.NoError(t, err)
	require.Equal(t, "bolt", out["name"])
	require.Equal(t, true, out["v2_added"])
	require.Equal(t, true, out["v3_added"])
}

func TestUpgradeMissingStepErrors(t *testing.T) {
	r := New()
	r.Register("Widget", 2, nil, nil)

	_, err := r.Upgrade("Widget", 1, map[string]interface{}{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMissingUpgrader))
}

func TestUnknownClassErrors(t *testing.T) {
	r := New()
	_, err := r.Upgrade("Ghost", 1, map[string]interface{}{})
	require.True(t, errors.Is(err, ErrUnknownClass))

	_, err = r.Construct("Ghost", map[string]interface{}{})
	require.True(t, errors.Is(err, ErrUnknownClass))

	_, err = r.Decompose("Ghost", map[string]interface{}{})
	require.True(t, errors.Is(err, ErrUnknownClass))
}

func TestConstructDecomposeRoundTrip(t *testing.T) {
	r := New()
	r.Register("Money", 1,
		func(data map[string]interface{}) (map[string]interface{}, error) {
			data["currency"] = "USD"
			return data, nil
		},
		func(data map[string]interface{}) (map[string]interface{}, error) {
			out := map[string]interface{}{}
			for k, v := range data {
				if k != "currency" {
					out[k] = v
				}
			}
			return out, nil
		},
	)

	decomposed, err := r.Decompose("Money", map[string]interface{}{"amount": 100, "currency": "USD"})
	require.NoError(t, err)
	require.NotContains(t, decomposed, "currency")

	constructed, err := r.Construct("Money", decomposed)
	require.NoError(t, err)
	require.Equal(t, "USD", constructed["currency"])
}

func TestKnown(t *testing.T) {
	r := New()
	require.False(t, r.Known("Widget"))
	r.RegisterIfAbsent("Widget")
	require.True(t, r.Known("Widget"))
}
