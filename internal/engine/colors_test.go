package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStageColor_PaletteMemberPassesThrough(t *testing.T) {
	assert.Equal(t, "#98cbff", NormalizeStageColor("#98cbff", 0))
	assert.Equal(t, "#98cbff", NormalizeStageColor("#98CBFF", 5))
	assert.Equal(t, "#e6e8ea", NormalizeStageColor("  #e6e8ea ", 3))
}

func TestNormalizeStageColor_HueApproximation(t *testing.T) {
	cases := map[string]string{
		"#0000ff": "#98cbff",
		"blue":    "#98cbff",
		"azul":    "#98cbff",
		"#00ff00": "#87f2c0",
		"verde":   "#87f2c0",
		"#ff0000": "#ff8f92",
		"#800080": "#eb93ff",
		"#ffff00": "#fff000",
		"#ffa500": "#ffce5a",
		"laranja": "#ffce5a",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStageColor(in, 0), "input %q", in)
	}
}

func TestNormalizeStageColor_IndexFallback(t *testing.T) {
	// a color with no hue hint cycles through the palette by emitted index
	assert.Equal(t, stagePalette[0], NormalizeStageColor("#123456", 0))
	assert.Equal(t, stagePalette[7], NormalizeStageColor("#123456", 7))
	assert.Equal(t, stagePalette[0], NormalizeStageColor("", len(stagePalette)))
}

func TestNormalizeStageColor_AlwaysInPalette(t *testing.T) {
	inputs := []string{"", "#abcdef", "blue", "nonsense", "#FF0000", "#98cbff", "verde claro"}
	for _, in := range inputs {
		for i := 0; i < 3; i++ {
			assert.True(t, paletteSet[NormalizeStageColor(in, i)], "input %q index %d", in, i)
		}
	}
}
