package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/quota"
)

type fakeBudget struct {
	mu       sync.Mutex
	allow    bool
	recorded int
}

func (f *fakeBudget) Allow(ctx context.Context, b quota.Budget) (bool, error) {
	return f.allow, nil
}

func (f *fakeBudget) Record(ctx context.Context, b quota.Budget, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded += amount
	return nil
}

func testInputs() (*models.Event, *models.Analysis) {
	e := &models.Event{ID: "e1", Title: "M 7.4 - Chile", Type: models.EventTypeEarthquake, Severity: models.SeverityRed, Latitude: -33, Longitude: -71.5}
	a := &models.Analysis{
		ID:               "a1",
		EventID:          "e1",
		Stats:            &models.DamageStats{AreaKM2: 142.5, HighSeverityPct: 28.5, BuildingsAssessed: 441, DestroyedCount: 12, SensorUsed: "S2", Confidence: 0.87},
		Infrastructure:   &models.InfrastructureSummary{HospitalsAtRisk: 1},
		PreThumbnailURL:  "https://cdn.example.com/pre.png",
		PostThumbnailURL: "https://cdn.example.com/post.png",
	}
	return e, a
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
	})
	return string(b)
}

func llmServer(t *testing.T, reportContent string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Model == "vision" {
			w.Write([]byte(completion("Collapsed structures visible in the north-east quadrant.")))
			return
		}
		w.Write([]byte(completion(reportContent)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGenerator(url string, budget VisionBudget) *Generator {
	g := NewGenerator(config.ReportConfig{
		APIKey:      "test",
		BaseURL:     url,
		Model:       "report",
		VisionModel: "vision",
		Timeout:     2 * time.Second,
	}, budget)
	g.now = func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestExtractJSON(t *testing.T) {
	raw, err := ExtractJSON("Sure! Here it is:\n{\"a\": {\"b\": 1}}\nThanks")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, raw)

	_, err = ExtractJSON("no braces here")
	assert.ErrorIs(t, err, errNoJSON)

	_, err = ExtractJSON("} backwards {")
	assert.ErrorIs(t, err, errNoJSON)
}

func TestGenerate_ParsesModelReport(t *testing.T) {
	srv := llmServer(t, "Report follows:\n"+`{"executive_summary":"Severe shaking.","critical_infrastructure":["Hospital"],"priority_zones":[{"name":"Z1","lat":1,"lon":2,"recommendation":"go"}],"resource_recommendations":["USAR"],"confidence_note":"limited","next_assessment_actions":["revisit"]}`)
	budget := &fakeBudget{allow: true}
	g := newTestGenerator(srv.URL, budget)

	e, a := testInputs()
	r := g.Generate(context.Background(), e, a)

	assert.Equal(t, "Severe shaking.", r.ExecutiveSummary)
	require.Len(t, r.PriorityZones, 1)
	assert.Equal(t, "Z1", r.PriorityZones[0].Name)
	assert.Equal(t, "Collapsed structures visible in the north-east quadrant.", r.VisualDescription)
	assert.Equal(t, 1, budget.recorded)
	assert.False(t, r.GeneratedAt.IsZero())
}

func TestGenerate_UnparseableFallsBackToTemplate(t *testing.T) {
	srv := llmServer(t, "I cannot help with that.")
	g := newTestGenerator(srv.URL, &fakeBudget{allow: true})

	e, a := testInputs()
	r := g.Generate(context.Background(), e, a)

	assert.Contains(t, r.ExecutiveSummary, "M 7.4 - Chile")
	assert.Contains(t, r.CriticalInfrastructure, "1 hospital(s) in high or critical risk zones")
}

func TestGenerate_VisionQuotaExhausted(t *testing.T) {
	srv := llmServer(t, `{"executive_summary":"x"}`)
	budget := &fakeBudget{allow: false}
	g := newTestGenerator(srv.URL, budget)

	e, a := testInputs()
	r := g.Generate(context.Background(), e, a)

	assert.Contains(t, r.VisualDescription, "quota reached")
	assert.Equal(t, 0, budget.recorded)
}

func TestGenerate_PlaceholderThumbnailsSkipVision(t *testing.T) {
	srv := llmServer(t, `{"executive_summary":"x"}`)
	budget := &fakeBudget{allow: true}
	g := newTestGenerator(srv.URL, budget)

	e, a := testInputs()
	a.PreThumbnailURL = "storage://sentinel-media/thumbnails/a1/pre.png"
	r := g.Generate(context.Background(), e, a)

	assert.Equal(t, "Visual analysis not available for this assessment.", r.VisualDescription)
	assert.Equal(t, 0, budget.recorded)
}

func TestGenerate_NoAPIKey(t *testing.T) {
	g := NewGenerator(config.ReportConfig{}, nil)

	e, a := testInputs()
	r := g.Generate(context.Background(), e, a)

	assert.NotEmpty(t, r.ExecutiveSummary)
	assert.NotEmpty(t, r.NextAssessmentActions)
	assert.Equal(t, "Visual analysis not available for this assessment.", r.VisualDescription)
}

func TestTemplate_NoInfrastructure(t *testing.T) {
	e, a := testInputs()
	a.Infrastructure = nil
	a.Stats = nil

	r := Template(e, a)
	assert.Equal(t, []string{"No critical facilities inside high severity zones"}, r.CriticalInfrastructure)
}

func TestNewSlug(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z]+$`)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, pattern, NewSlug())
	}
}
