package badge

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"depotboard/pkg/types"
)

// Generator creates base64-encoded SVG badges for Grafana panels.
type Generator struct {
	lineColors map[string]string
}

func NewGenerator() *Generator {
	return &Generator{lineColors: map[string]string{}}
}

// WithLineColors pins colors for specific lines; others are derived.
func (g *Generator) WithLineColors(colors map[string]string) *Generator {
	for line, color := range colors {
		g.lineColors[line] = color
	}
	return g
}

var stateColors = map[types.VehicleState]string{
	types.StateEnRoute:     "#0d6efd",
	types.StateArriving:    "#6f42c1",
	types.StateBoarding:    "#198754",
	types.StateAwaiting:    "#fd7e14",
	types.StateReserve:     "#6c757d",
	types.StateMaintenance: "#dc3545",
}

// StateColor is the badge color for a vehicle state.
func StateColor(s types.VehicleState) string {
	if c, ok := stateColors[s]; ok {
		return c
	}
	return "#adb5bd"
}

// LineColor returns the color for a line, hashing the name when none is pinned
// so the same line always gets the same hue.
func (g *Generator) LineColor(line string) string {
	if color, ok := g.lineColors[line]; ok {
		return color
	}

	hash := 0
	for _, char := range line {
		hash = int(char) + ((hash << 5) - hash)
	}
	hue := (hash%360 + 360) % 360
	return fmt.Sprintf("hsl(%d, 70%%, 45%%)", hue)
}

// VehicleBadge renders a pill with the vehicle id and its state.
func (g *Generator) VehicleBadge(vehicleID string, state types.VehicleState) string {
	label := strings.ToUpper(strings.ReplaceAll(string(state), "_", " "))

	svg := fmt.Sprintf(`<svg width="140" height="24" xmlns="http://www.w3.org/2000/svg">
  <rect width="140" height="24" fill="%s" rx="12"/>
  <text x="70" y="16" font-family="Arial, sans-serif" font-size="11" font-weight="bold"
        fill="white" text-anchor="middle">%s · %s</text>
</svg>`, StateColor(state), html.EscapeString(vehicleID), label)

	return dataURI(svg)
}

// LineBadge renders a square line marker in the line color.
func (g *Generator) LineBadge(line string) string {
	svg := fmt.Sprintf(`<svg width="36" height="24" xmlns="http://www.w3.org/2000/svg">
  <rect width="36" height="24" fill="%s" rx="4"/>
  <text x="18" y="16" font-family="Arial, sans-serif" font-size="11" font-weight="bold"
        fill="white" text-anchor="middle">%s</text>
</svg>`, g.LineColor(line), html.EscapeString(line))

	return dataURI(svg)
}

func dataURI(svg string) string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}
