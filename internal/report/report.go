// Package report writes situation reports for completed damage assessments.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/quota"
	"github.com/mr1hm/disaster-sentinel/internal/retry"
)

var errNoJSON = errors.New("no JSON object in completion")

// VisionBudget gates vision calls.
type VisionBudget interface {
	Allow(ctx context.Context, b quota.Budget) (bool, error)
	Record(ctx context.Context, b quota.Budget, amount int) error
}

type Generator struct {
	client      *openai.Client
	model       string
	visionModel string
	budget      VisionBudget
	retry       retry.Policy
	now         func() time.Time
}

// NewGenerator returns a generator that calls an OpenAI-compatible endpoint when
// an API key is configured and falls back to the built-in template otherwise.
func NewGenerator(cfg config.ReportConfig, budget VisionBudget) *Generator {
	g := &Generator{
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		budget:      budget,
		retry: retry.Policy{
			MaxAttempts:    3,
			InitialDelay:   1 * time.Second,
			MaxDelay:       4 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         slog.Default(),
		},
		now: time.Now,
	}
	if cfg.APIKey == "" {
		slog.Warn("report API key not set, reports use the built-in template")
		return g
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}
	g.client = openai.NewClientWithConfig(oc)
	return g
}

// Generate never fails: model errors degrade to the template report.
func (g *Generator) Generate(ctx context.Context, e *models.Event, a *models.Analysis) *models.Report {
	var r *models.Report
	if g.client != nil {
		var err error
		r, err = g.complete(ctx, e, a)
		if err != nil {
			slog.Warn("report generation failed, using template", "analysis_id", a.ID, "error", err)
		}
	}
	if r == nil {
		r = Template(e, a)
	}

	r.VisualDescription = g.describeImagery(ctx, a)
	r.GeneratedAt = g.now().UTC()
	return r
}

func (g *Generator) complete(ctx context.Context, e *models.Event, a *models.Analysis) (*models.Report, error) {
	prompt := Prompt(e, a)
	return retry.DoValue(ctx, g.retry, func(ctx context.Context) (*models.Report, error) {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
			Temperature: 0.1,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("completion returned no choices")
		}

		raw, err := ExtractJSON(resp.Choices[0].Message.Content)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		var r models.Report
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode report: %w", err))
		}
		return &r, nil
	})
}

// ExtractJSON returns the span from the first '{' to the last '}'.
func ExtractJSON(content string) (string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return "", errNoJSON
	}
	return content[start : end+1], nil
}

func (g *Generator) describeImagery(ctx context.Context, a *models.Analysis) string {
	if g.client == nil || g.visionModel == "" || !fetchable(a.PreThumbnailURL) || !fetchable(a.PostThumbnailURL) {
		return "Visual analysis not available for this assessment."
	}

	if g.budget != nil {
		ok, err := g.budget.Allow(ctx, quota.BudgetVision)
		if err != nil {
			slog.Warn("vision quota check failed", "error", err)
			return "Visual analysis not available for this assessment."
		}
		if !ok {
			return "Vision daily quota reached, visual analysis not available for this assessment."
		}
		defer func() {
			if err := g.budget.Record(ctx, quota.BudgetVision, 1); err != nil {
				slog.Warn("failed to record vision usage", "error", err)
			}
		}()
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.visionModel,
		MaxTokens: 300,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: visionPrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: a.PreThumbnailURL, Detail: openai.ImageURLDetailLow}},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: a.PostThumbnailURL, Detail: openai.ImageURLDetailLow}},
			},
		}},
	})
	if err != nil || len(resp.Choices) == 0 {
		slog.Warn("vision description failed", "analysis_id", a.ID, "error", err)
		return "Visual analysis unavailable."
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}

func fetchable(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}

var slugWords = [3][]string{
	{"alpha", "bravo", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet", "kilo"},
	{"sierra", "tango", "uniform", "victor", "whiskey", "xray", "yankee", "zulu", "lima", "mike"},
	{"one", "two", "three", "seven", "eight", "nine", "zero", "prime", "base", "core"},
}

// NewSlug returns a three-word public identifier such as "delta-sierra-seven".
func NewSlug() string {
	parts := make([]string, len(slugWords))
	for i, words := range slugWords {
		parts[i] = words[rand.IntN(len(words))]
	}
	return strings.Join(parts, "-")
}
