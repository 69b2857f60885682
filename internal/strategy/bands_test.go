package strategy_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/strategy"
)

func TestBands_LookupIsTotal(t *testing.T) {
	bands := testBands()

	tests := []struct {
		name  string
		price float64
		want  string
	}{
		{"negative price", -5, "maxpower"},
		{"lower bound is inclusive", 2, "turbo"},
		{"upper bound is exclusive", 7, "standard"},
		{"mid band", 15, "eco"},
		{"unbounded top", 250, "off"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			band, _, gap := bands.Lookup(tt.price)
			assert.Equal(t, tt.want, band.Name)
			assert.False(t, gap)
		})
	}
}

func TestBands_LookupFallsBackOnGap(t *testing.T) {
	bands := strategy.Bands{
		{Name: "low", MaxPrice: ptr(10), SortOrder: 0},
		{Name: "high", MinPrice: ptr(20), SortOrder: 1},
	}

	band, index, gap := bands.Lookup(15)
	assert.True(t, gap)
	assert.Equal(t, "low", band.Name)
	assert.Zero(t, index)
}

func TestBands_LookupFirstMatchWinsOnOverlap(t *testing.T) {
	bands := strategy.Bands{
		{Name: "a", MaxPrice: ptr(10), SortOrder: 0},
		{Name: "b", MinPrice: ptr(5), MaxPrice: ptr(20), SortOrder: 1},
	}

	band, _, gap := bands.Lookup(7)
	assert.Equal(t, "a", band.Name)
	assert.False(t, gap)
}

func TestBands_Validate(t *testing.T) {
	assert.Empty(t, testBands().Validate())

	gapped := strategy.Bands{
		{Name: "low", MaxPrice: ptr(10), SortOrder: 0},
		{Name: "high", MinPrice: ptr(20), SortOrder: 1},
	}
	warnings := gapped.Validate()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "gap")

	unordered := strategy.Bands{
		{Name: "high", MinPrice: ptr(20), SortOrder: 0},
		{Name: "low", MinPrice: ptr(0), MaxPrice: ptr(20), SortOrder: 1},
	}
	warnings = unordered.Validate()
	assert.NotEmpty(t, warnings)
	assert.Contains(t, strings.Join(warnings, "\n"), "sortOrder")

	assert.Equal(t, []string{"band table is empty"}, strategy.Bands{}.Validate())
}

func TestLoadBands(t *testing.T) {
	input := `
bands:
  - name: off
    minPrice: 20
    sortOrder: 4
    modeByClass:
      bitaxe: "off"
  - name: eco
    minPrice: 12
    maxPrice: 20
    targetAsset: DGB
    sortOrder: 3
    modeByClass:
      bitaxe: eco
      avalon_nano: eco
`
	bands, err := strategy.LoadBands(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, bands, 2)

	// sorted by sortOrder
	assert.Equal(t, "eco", bands[0].Name)
	assert.Equal(t, "off", bands[1].Name)
	assert.Equal(t, device.ModeEco, bands[0].ModeByClass[device.ClassBitaxe])
	require.NotNil(t, bands[1].MinPrice)
	assert.Equal(t, 20.0, *bands[1].MinPrice)
	assert.Nil(t, bands[1].MaxPrice)

	_, err = strategy.LoadBands(strings.NewReader("bands: []"))
	assert.Error(t, err)
}
