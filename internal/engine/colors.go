package engine

import "strings"

// stagePalette is the closed set of stage colors the provider accepts.
// Anything else on write is rejected, so every outbound color must be
// normalized to one of these.
var stagePalette = []string{
	"#fffeb2", "#fffd7f", "#fff000",
	"#ffeab2", "#ffdc7f", "#ffce5a",
	"#ffdbdb", "#ffc8c8", "#ff8f92",
	"#d6eaff", "#c1e0ff", "#98cbff",
	"#ebffb1", "#deff81", "#87f2c0",
	"#f9deff", "#f3beff", "#ccc8f9",
	"#eb93ff", "#f2f3f4", "#e6e8ea",
}

var paletteSet = func() map[string]bool {
	m := make(map[string]bool, len(stagePalette))
	for _, c := range stagePalette {
		m[c] = true
	}
	return m
}()

// hueApproximations maps off-palette colors to the closest palette entry.
// Keyed by substring hints and a few well-known hex codes.
type hueApproximation struct {
	hints  []string
	target string
}

var hueApproximations = []hueApproximation{
	{[]string{"blue", "azul", "#0000ff", "#0066ff", "#4169e1"}, "#98cbff"},
	{[]string{"green", "verde", "#00ff00", "#008000", "#32cd32"}, "#87f2c0"},
	{[]string{"red", "vermelho", "#ff0000", "#dc143c", "#b22222"}, "#ff8f92"},
	{[]string{"purple", "roxo", "#800080", "#9932cc", "#8a2be2"}, "#eb93ff"},
	{[]string{"yellow", "amarelo", "#ffff00", "#ffd700", "#fff8dc"}, "#fff000"},
	{[]string{"orange", "laranja", "#ffa500", "#ff8c00", "#ff7f50"}, "#ffce5a"},
}

// NormalizeStageColor maps an arbitrary master color onto the palette.
// Palette members pass through (lowercased). Off-palette values that hint
// at a hue map to that hue's strongest palette entry. Everything else
// falls back deterministically on the emitted-stage index, so the same
// master pipeline always yields the same slave colors.
func NormalizeStageColor(color string, emittedIndex int) string {
	c := strings.ToLower(strings.TrimSpace(color))
	if paletteSet[c] {
		return c
	}
	if c != "" {
		for _, h := range hueApproximations {
			for _, hint := range h.hints {
				if strings.Contains(c, hint) {
					return h.target
				}
			}
		}
	}
	return stagePalette[emittedIndex%len(stagePalette)]
}
