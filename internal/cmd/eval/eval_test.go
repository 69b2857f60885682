package eval

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minerhive/minerhive/internal/strategy"
)

const bandConfig = `
bands:
  - name: turbo
    maxPrice: 10
    targetAsset: BTC
    modeByClass:
      bitaxe: turbo
    sortOrder: 0
  - name: eco
    minPrice: 10
    maxPrice: 20
    targetAsset: BTC
    modeByClass:
      bitaxe: eco
    sortOrder: 1
  - name: "off"
    minPrice: 20
    modeByClass:
      bitaxe: "off"
    sortOrder: 2
`

func TestEvalPrices(t *testing.T) {
	bands, err := strategy.LoadBands(strings.NewReader(bandConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	evalPrices(bands, []float64{5, 8, 15, 25}, false).writeTo(&out)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "PRICE")
	assert.Contains(t, lines[1], "turbo")
	assert.Contains(t, lines[1], "true")
	assert.Contains(t, lines[1], "bitaxe=turbo")
	assert.Contains(t, lines[2], "false")
	assert.Contains(t, lines[3], "eco")
	assert.Contains(t, lines[4], "off")
}

func TestEvalPrices_ChangesOnly(t *testing.T) {
	bands, err := strategy.LoadBands(strings.NewReader(bandConfig))
	require.NoError(t, err)

	var out bytes.Buffer
	evalPrices(bands, []float64{5, 8, 9, 15, 16}, true).writeTo(&out)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "turbo")
	assert.Contains(t, lines[2], "eco")
}
