package imagery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const (
	defaultUnitsPerRun = 100
	processBBoxRadius  = 0.25
	baselineOffset     = -30 * 24 * time.Hour
)

const dnbrScript = `//VERSION=3
function setup() { return { input: ["B08", "B12"], output: { bands: 1 } }; }
function evaluatePixel(sample) {
    return [(sample.B08 - sample.B12) / (sample.B08 + sample.B12)];
}`

const ndwiScript = `//VERSION=3
function setup() { return { input: ["B03", "B08"], output: { bands: 1 } }; }
function evaluatePixel(sample) {
    return [(sample.B03 - sample.B08) / (sample.B03 + sample.B08)];
}`

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// SentinelHubClient fetches before/after scenes from the Process API using
// OAuth client credentials. Raster classification is not performed; the damage
// geometry comes from the synthetic layout centred on the event.
type SentinelHubClient struct {
	client       *resty.Client
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	unitsPerRun  int
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewSentinelHubClient(cfg config.ImageryConfig) *SentinelHubClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	units := cfg.UnitsPerRun
	if units <= 0 {
		units = defaultUnitsPerRun
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &SentinelHubClient{
		client:       client,
		baseURL:      cfg.SentinelBaseURL,
		tokenURL:     cfg.SentinelTokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		unitsPerRun:  units,
		now:          time.Now,
	}
}

func (c *SentinelHubClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	var tok tokenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
		}).
		SetResult(&tok).
		Post(c.tokenURL)
	if err != nil {
		return "", fmt.Errorf("error requesting token: %w", err)
	}
	if resp.IsError() || tok.AccessToken == "" {
		return "", fmt.Errorf("token request rejected: %d", resp.StatusCode())
	}

	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.token = tok.AccessToken
	c.expires = c.now().Add(ttl - 30*time.Second)
	return c.token, nil
}

func (c *SentinelHubClient) Acquire(ctx context.Context, e *models.Event) (*Result, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	script := ndwiScript
	if e.Type == models.EventTypeWildfire || e.Type == models.EventTypeEarthquake {
		script = dnbrScript
	}

	now := c.now().UTC()
	post, err := c.process(ctx, token, e, script, now)
	if err != nil {
		return nil, fmt.Errorf("post-event scene: %w", err)
	}
	pre, err := c.process(ctx, token, e, script, now.Add(baselineOffset))
	if err != nil {
		return nil, fmt.Errorf("baseline scene: %w", err)
	}

	geometry, stats := SyntheticDamage(e.Latitude, e.Longitude)
	stats.SensorUsed = "S2_L2A"
	slog.Info("imagery acquired", "event_id", e.ID, "pre_bytes", len(pre), "post_bytes", len(post))

	return &Result{
		Geometry:  geometry,
		Stats:     stats,
		PreImage:  pre,
		PostImage: post,
		Format:    "jpg",
		UnitsUsed: c.unitsPerRun,
	}, nil
}

func (c *SentinelHubClient) process(ctx context.Context, token string, e *models.Event, script string, day time.Time) ([]byte, error) {
	date := day.Format("2006-01-02")
	body := map[string]any{
		"input": map[string]any{
			"bounds": map[string]any{
				"bbox": []float64{
					e.Longitude - processBBoxRadius, e.Latitude - processBBoxRadius,
					e.Longitude + processBBoxRadius, e.Latitude + processBBoxRadius,
				},
				"properties": map[string]string{"crs": "http://www.opengis.net/def/crs/EPSG/0/4326"},
			},
			"data": []map[string]any{{
				"type": "sentinel-2-l2a",
				"dataFilter": map[string]any{
					"timeRange": map[string]string{"from": date + "T00:00:00Z", "to": date + "T23:59:59Z"},
				},
			}},
		},
		"output": map[string]any{
			"width":  512,
			"height": 512,
			"responses": []map[string]any{{
				"identifier": "default",
				"format":     map[string]string{"type": "image/jpeg"},
			}},
		},
		"evalscript": script,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post(c.baseURL + "/api/v1/process")
	if err != nil {
		return nil, fmt.Errorf("error doing process request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected process status code: %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
