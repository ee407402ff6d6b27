// Package imagery acquires post-event damage geometry for an event, either from
// Sentinel Hub or from a deterministic synthetic generator.
package imagery

import (
	"context"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

// Result is the output of one acquisition.
type Result struct {
	Geometry  *models.DamageGeometry
	Stats     *models.DamageStats
	PreImage  []byte // PNG or JPEG thumbnail before the event
	PostImage []byte
	Format    string // file extension of the thumbnails
	UnitsUsed int    // provider processing units to charge to the imagery budget
}

type Provider interface {
	Acquire(ctx context.Context, e *models.Event) (*Result, error)
}

// NewProvider returns a Sentinel Hub client when credentials are configured
// and the synthetic generator otherwise.
func NewProvider(cfg config.ImageryConfig) Provider {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return Synthetic{}
	}
	return NewSentinelHubClient(cfg)
}
