package imagery

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

type severityBand struct {
	class  int
	label  string
	color  string
	weight float64
}

var bands = []severityBand{
	{5, "high_severity", "#8B0000", 0.3},
	{4, "moderate_high", "#FF4500", 0.25},
	{3, "moderate_low", "#FFA500", 0.25},
	{2, "low_severity", "#FFFF00", 0.15},
	{0, "unburned", "#006400", 0.05},
}

// Synthetic produces a fixed damage pattern around the event. Nothing is charged.
type Synthetic struct{}

func (Synthetic) Acquire(ctx context.Context, e *models.Event) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	geometry, stats := SyntheticDamage(e.Latitude, e.Longitude)
	stats.SensorUsed = "S2_SYNTHETIC"

	pre, err := thumbnail(color.RGBA{R: 46, G: 125, B: 50, A: 255})
	if err != nil {
		return nil, err
	}
	post, err := thumbnail(color.RGBA{R: 139, G: 0, B: 0, A: 255})
	if err != nil {
		return nil, err
	}
	return &Result{Geometry: geometry, Stats: stats, PreImage: pre, PostImage: post, Format: "png"}, nil
}

// SyntheticDamage lays out three square clusters per severity band, drifting
// away from the event centre as severity drops.
func SyntheticDamage(lat, lon float64) (*models.DamageGeometry, *models.DamageStats) {
	g := &models.DamageGeometry{Type: "FeatureCollection"}

	offset := 0.0
	for _, b := range bands {
		for i := 0; i < 3; i++ {
			dlat := float64(i-1)*0.015 + offset
			dlon := float64(i-1)*0.012 + offset
			size := 0.02 * b.weight

			g.Features = append(g.Features, models.DamageFeature{
				Type: "Feature",
				Geometry: models.PolygonGeometry{
					Type: "Polygon",
					Coordinates: [][][]float64{{
						{lon + dlon - size, lat + dlat - size},
						{lon + dlon + size, lat + dlat - size},
						{lon + dlon + size, lat + dlat + size},
						{lon + dlon - size, lat + dlat + size},
						{lon + dlon - size, lat + dlat - size},
					}},
				},
				Properties: models.DamageProperties{
					SeverityClass: b.class,
					SeverityLabel: b.label,
					Color:         b.color,
					AreaKM2:       round(b.weight*15+float64(i)*2, 2),
					DNBRMean:      round(0.3+float64(b.class)*0.1, 3),
				},
			})
		}
		offset += 0.025
	}

	stats := &models.DamageStats{
		AreaKM2:          142.5,
		HighSeverityPct:  28.5,
		ModerateHighPct:  24.2,
		ModerateLowPct:   22.8,
		MeanDNBR:         0.47,
		MaxDNBR:          0.82,
		Confidence:       0.87,
		AssessmentMethod: "dNBR_classification",
	}
	return g, stats
}

func thumbnail(c color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func round(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
