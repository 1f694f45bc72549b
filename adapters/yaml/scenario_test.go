package yaml_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/adapters/yaml"
	"riskengine/internal/errors"
)

const scenarios = `
scenarios:
  - name: equity-down
    arguments:
      - function: MarketPriceSource
        parameters:
          relative: -0.2
  - name: fx-up
    arguments:
      - function: FXRateSource
        output: PresentValue
        parameters:
          absolute: "0.05"
  - name: combined
    include: [equity-down, fx-up]
    arguments:
      - function: MarketPriceSource
        parameters:
          absolute: 1
`

func TestParseScenarios(t *testing.T) {
	set, err := yaml.Parse([]byte(scenarios))
	require.NoError(t, err)
	assert.Equal(t, []string{"combined", "equity-down", "fx-up"}, set.Names())

	down, err := set.Get("equity-down")
	require.NoError(t, err)
	require.Len(t, down.Global, 1)
	assert.Equal(t, "-0.2", down.Global[0].Parameters["relative"])

	fx, err := set.Get("fx-up")
	require.NoError(t, err)
	assert.Empty(t, fx.Global)
	require.Len(t, fx.Scoped, 1)
	assert.Equal(t, "PresentValue", fx.Scoped[0].Output)

	combined, err := set.Get("combined")
	require.NoError(t, err)
	assert.Equal(t, "combined", combined.Name)
	require.Len(t, combined.Global, 2)
	assert.Equal(t, "-0.2", combined.Global[0].Parameters["relative"], "included arguments come first")
	assert.Equal(t, "1", combined.Global[1].Parameters["absolute"])
	assert.Len(t, combined.Scoped, 1)
	assert.Len(t, down.Global, 1, "included scenarios are not modified")
}

func TestScenarioErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "scenarios:\n  - name: a\n    colour: red\n",
		"unknown include": "scenarios:\n  - name: a\n    include: [b]\n",
		"duplicate":       "scenarios:\n  - name: a\n  - name: a\n",
		"no function":     "scenarios:\n  - name: a\n    arguments:\n      - parameters: {relative: 1}\n",
		"no name":         "scenarios:\n  - arguments: []\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := yaml.Parse([]byte(src))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.TypeInput))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarios), 0o644))
	set, err := yaml.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	_, err = set.Get("missing")
	assert.True(t, errors.IsType(err, errors.TypeNotFound))

	_, err = yaml.Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.True(t, errors.IsType(err, errors.TypeInput))
}
