package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

// Source is one upstream disaster feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]*models.Event, error)
}

func newFeedClient(timeout time.Duration, retries int) *resty.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
		}).
		SetHeader("User-Agent", "disaster-sentinel/1.0")
}

func fetchBody(ctx context.Context, client *resty.Client, url string) ([]byte, error) {
	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("error doing request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode(), resp.Status())
	}
	return resp.Body(), nil
}
