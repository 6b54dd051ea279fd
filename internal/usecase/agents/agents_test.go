package agents

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowhere-ai/internal/domain"
)

// stubModels answers every invocation with a canned response, or fails with
// err when set.
type stubModels struct {
	resp    domain.ModelResponse
	err     error
	invokes atomic.Int64
}

func (m *stubModels) Select(required []domain.Capability, _ []string) ([]domain.ModelEntry, error) {
	return []domain.ModelEntry{{Name: "stub-model", Provider: "stub", Capabilities: required, Available: true}}, nil
}

func (m *stubModels) InvokeChain(_ context.Context, _ []domain.ModelEntry, _ domain.ModelPrompt, _ domain.InvokeOptions) (*domain.ModelResponse, error) {
	m.invokes.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	resp := m.resp
	if resp.Model == "" {
		resp.Model = "stub-model"
	}
	return &resp, nil
}

// mapCache is a GetOrCompute cache over a plain map, counting computes.
type mapCache struct {
	entries  map[string][]byte
	computes int
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string][]byte)} }

func (c *mapCache) GetOrCompute(ctx context.Context, key string, _ time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.entries[key]; ok {
		return v, nil
	}
	c.computes++
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	c.entries[key] = v
	return v, nil
}

func testDeps(models Models, cache ResponseCache) Deps {
	return Deps{
		Models:   models,
		Cache:    cache,
		Clock:    domain.SystemClock{},
		CacheTTL: time.Minute,
	}
}

func newTask(agentKind domain.AgentKind, kind string, payload string) *domain.Task {
	return &domain.Task{
		ID:        "task-1",
		TenantID:  "acme",
		AgentKind: agentKind,
		Kind:      kind,
		Payload:   json.RawMessage(payload),
	}
}

func TestHandleUnknownOperation(t *testing.T) {
	a := NewSalesAgent(testDeps(&stubModels{}, nil))
	_, err := a.Handle(context.Background(), newTask(domain.AgentSales, "no_such_op", `{}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestHandleCachesByPayloadFingerprint(t *testing.T) {
	cache := newMapCache()
	a := NewMarketingAgent(testDeps(&stubModels{}, cache))

	payload := `{"audience":"smb","budget":1000}`
	first, err := a.Handle(context.Background(), newTask(domain.AgentMarketing, "channel_mix", payload))
	require.NoError(t, err)
	second, err := a.Handle(context.Background(), newTask(domain.AgentMarketing, "channel_mix", payload))
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, 1, cache.computes)

	_, err = a.Handle(context.Background(),
		newTask(domain.AgentMarketing, "channel_mix", `{"audience":"smb","budget":2000}`))
	require.NoError(t, err)
	assert.Equal(t, 2, cache.computes, "different payload must not hit the same entry")
}

func TestHandleMetrics(t *testing.T) {
	models := &stubModels{err: domain.ErrProviderUnavailable}
	a := NewContentAgent(testDeps(models, nil))

	_, err := a.Handle(context.Background(),
		newTask(domain.AgentContent, "draft_content", `{"format":"email","topic":"launch"}`))
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	models.err = nil
	_, err = a.Handle(context.Background(),
		newTask(domain.AgentContent, "draft_content", `{"format":"email","topic":"launch"}`))
	require.NoError(t, err)

	desc := a.Describe()
	assert.Equal(t, int64(1), desc.Metrics.Completed)
	assert.Equal(t, int64(1), desc.Metrics.Failed)
	assert.Equal(t, domain.AgentIdle, desc.Status)
}

func TestOnControl(t *testing.T) {
	a := NewSalesAgent(testDeps(&stubModels{}, nil))

	require.NoError(t, a.OnControl(domain.OpPause))
	assert.Equal(t, domain.AgentPaused, a.Describe().Status)

	require.NoError(t, a.OnControl(domain.OpResume))
	assert.Equal(t, domain.AgentIdle, a.Describe().Status)

	require.NoError(t, a.OnControl(domain.OpStop))
	assert.Equal(t, domain.AgentStopped, a.Describe().Status)

	// A finishing run must not flip a stopped agent back to idle.
	_, err := a.Handle(context.Background(),
		newTask(domain.AgentSales, "pipeline_analysis", `{"leads":[]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStopped, a.Describe().Status)

	require.NoError(t, a.OnControl(domain.OpResume))
	assert.Equal(t, domain.AgentIdle, a.Describe().Status)
	require.NoError(t, a.OnControl(domain.OpReset))
	assert.Equal(t, domain.AgentMetrics{}, a.Describe().Metrics)

	err = a.OnControl(domain.ControlOp("explode"))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestScoreLead(t *testing.T) {
	tests := []struct {
		name string
		lead leadPayload
		want float64
	}{
		{
			name: "bare minimum",
			lead: leadPayload{Email: "a@b.c", Message: "hi"},
			want: 1.0,
		},
		{
			name: "big budget urgent priority service",
			lead: leadPayload{
				Email:    "a@b.c",
				Company:  "Globex",
				Service:  "ai_automation",
				Budget:   "we have a 50000 budget",
				Timeline: "asap",
				Message:  "We need workflow automation across sales and support, rolled out urgently before the quarter closes.",
			},
			want: 9.5,
		},
		{
			name: "moderate signals",
			lead: leadPayload{
				Email:   "a@b.c",
				Service: "web_development",
				Message: "Looking for a new website, budget around 5000, hoping to start next month.",
			},
			// budget 2.0 + urgency 1.5 + service 1.5 + length 1.0
			want: 6.0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, scoreLead(tc.lead), 0.01)
		})
	}
}

func TestRecommendServices(t *testing.T) {
	got := recommendServices(leadPayload{Message: "we want ai workflow automation and paid ads"})
	assert.Equal(t, []string{"ai_automation", "marketing_intelligence"}, got)

	got = recommendServices(leadPayload{Message: "just saying hello"})
	assert.Equal(t, []string{"digital_ecosystem"}, got)
}

func TestQualifyLead(t *testing.T) {
	models := &stubModels{resp: domain.ModelResponse{Text: "strong lead"}}
	a := NewSalesAgent(testDeps(models, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentSales, "qualify_lead",
		`{"email":"a@b.c","company":"Globex","service":"ai_automation","budget":"50000 to invest","timeline":"asap","message":"We need workflow automation across sales and support, rolled out urgently before the quarter closes."}`))
	require.NoError(t, err)

	var res struct {
		Qualified bool     `json:"qualified"`
		Score     float64  `json:"score"`
		Analysis  string   `json:"analysis"`
		Model     string   `json:"model"`
		Recs      []string `json:"recommendations"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.True(t, res.Qualified)
	assert.GreaterOrEqual(t, res.Score, qualificationThreshold)
	assert.Equal(t, "strong lead", res.Analysis)
	assert.Equal(t, "stub-model", res.Model)
	assert.Contains(t, res.Recs, "ai_automation")
}

func TestAnalyzePipeline(t *testing.T) {
	a := NewSalesAgent(testDeps(&stubModels{}, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentSales, "pipeline_analysis",
		`{"leads":[
			{"score":8,"qualified":true,"stage":"proposal"},
			{"score":7,"qualified":true,"stage":"discovery"},
			{"score":3,"qualified":false,"stage":"discovery"},
			{"score":2,"qualified":false}
		]}`))
	require.NoError(t, err)

	var res struct {
		TotalLeads        int            `json:"total_leads"`
		QualifiedLeads    int            `json:"qualified_leads"`
		QualificationRate float64        `json:"qualification_rate"`
		AverageScore      float64        `json:"average_score"`
		ByStage           map[string]int `json:"by_stage"`
		PipelineHealth    string         `json:"pipeline_health"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 4, res.TotalLeads)
	assert.Equal(t, 2, res.QualifiedLeads)
	assert.InDelta(t, 50.0, res.QualificationRate, 0.01)
	assert.InDelta(t, 5.0, res.AverageScore, 0.01)
	assert.Equal(t, map[string]int{"proposal": 1, "discovery": 2}, res.ByStage)
	assert.Equal(t, "good", res.PipelineHealth)

	out, err = a.Handle(context.Background(),
		newTask(domain.AgentSales, "pipeline_analysis", `{"leads":[]}`))
	require.NoError(t, err)
	var empty struct {
		PipelineHealth string `json:"pipeline_health"`
	}
	require.NoError(t, json.Unmarshal(out, &empty))
	assert.Equal(t, "no_data", empty.PipelineHealth)
}

func TestChannelMix(t *testing.T) {
	a := NewMarketingAgent(testDeps(&stubModels{}, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentMarketing, "channel_mix",
		`{"audience":"smb owners","budget":10000,"goals":["more leads"]}`))
	require.NoError(t, err)

	var res struct {
		TotalBudget float64 `json:"total_budget"`
		Mix         []struct {
			Channel string  `json:"channel"`
			Share   float64 `json:"share"`
			Budget  float64 `json:"budget"`
		} `json:"mix"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	require.Len(t, res.Mix, 5)

	shareSum, budgetSum := 0.0, 0.0
	byChannel := make(map[string]float64)
	for _, m := range res.Mix {
		shareSum += m.Share
		budgetSum += m.Budget
		byChannel[m.Channel] = m.Share
	}
	assert.InDelta(t, 1.0, shareSum, 0.01)
	assert.InDelta(t, 10000.0, budgetSum, 1.0)
	// "leads" boosts search_ads above its unboosted neighbors.
	assert.Greater(t, byChannel["search_ads"], byChannel["social_media"])
}

func TestShapeReport(t *testing.T) {
	a := NewAnalyticsAgent(testDeps(&stubModels{}, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentAnalytics, "shape_report",
		`{"title":"Q3","metrics":[
			{"name":"visits","values":[100,120,150,200]},
			{"name":"churn","values":[5,5,5]},
			{"name":"spend","values":[80,60]}
		]}`))
	require.NoError(t, err)

	var res struct {
		Summaries []metricSummary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	require.Len(t, res.Summaries, 3)

	visits := res.Summaries[0]
	assert.Equal(t, 4, visits.Count)
	assert.Equal(t, 100.0, visits.Min)
	assert.Equal(t, 200.0, visits.Max)
	assert.InDelta(t, 142.5, visits.Mean, 0.01)
	assert.InDelta(t, 135.0, visits.Median, 0.01)
	assert.InDelta(t, 100.0, visits.DeltaPct, 0.01)
	assert.Equal(t, "up", visits.Direction)

	assert.Equal(t, "flat", res.Summaries[1].Direction)
	assert.Equal(t, 5.0, res.Summaries[1].Median)
	assert.Equal(t, "down", res.Summaries[2].Direction)
}

func TestBuildWorkflow(t *testing.T) {
	a := NewOperationsAgent(testDeps(&stubModels{}, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentOperations, "build_workflow",
		`{"name":"publish","steps":[
			{"name":"review","depends_on":["draft"]},
			{"name":"draft"},
			{"name":"ship","depends_on":["review","draft"]}
		]}`))
	require.NoError(t, err)

	var res struct {
		Name      string   `json:"name"`
		StepCount int      `json:"step_count"`
		Order     []string `json:"order"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "publish", res.Name)
	assert.Equal(t, 3, res.StepCount)
	assert.Equal(t, []string{"draft", "review", "ship"}, res.Order)
}

func TestBuildWorkflowRejectsBadGraphs(t *testing.T) {
	a := NewOperationsAgent(testDeps(&stubModels{}, nil))
	ctx := context.Background()

	_, err := a.Handle(ctx, newTask(domain.AgentOperations, "build_workflow",
		`{"name":"w","steps":[{"name":"a","depends_on":["b"]},{"name":"b","depends_on":["a"]}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "cycle")

	_, err = a.Handle(ctx, newTask(domain.AgentOperations, "build_workflow",
		`{"name":"w","steps":[{"name":"a","depends_on":["ghost"]}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "unknown step")

	_, err = a.Handle(ctx, newTask(domain.AgentOperations, "build_workflow",
		`{"name":"w","steps":[{"name":"a"},{"name":"a"}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestProcessInvoice(t *testing.T) {
	a := NewOperationsAgent(testDeps(&stubModels{}, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentOperations, "process_invoice",
		`{"invoice_number":"INV-7","customer":"Globex","tax_rate":0.1,"line_items":[
			{"description":"design","quantity":3,"unit_price":33.33},
			{"description":"hosting","quantity":1,"unit_price":12.5}
		]}`))
	require.NoError(t, err)

	var res struct {
		Currency  string  `json:"currency"`
		Subtotal  float64 `json:"subtotal"`
		Tax       float64 `json:"tax"`
		Total     float64 `json:"total"`
		LineItems []struct {
			Total float64 `json:"total"`
		} `json:"line_items"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "USD", res.Currency)
	assert.InDelta(t, 99.99, res.LineItems[0].Total, 0.001)
	assert.InDelta(t, 112.49, res.Subtotal, 0.001)
	assert.InDelta(t, 11.25, res.Tax, 0.001)
	assert.InDelta(t, 123.74, res.Total, 0.001)
}

func TestOnboardClient(t *testing.T) {
	models := &stubModels{resp: domain.ModelResponse{Text: "Welcome aboard"}}
	a := NewOperationsAgent(testDeps(models, nil))

	out, err := a.Handle(context.Background(), newTask(domain.AgentOperations, "onboard_client",
		`{"client":"Globex","services":["seo","email"],"contact":"sam@agency.example"}`))
	require.NoError(t, err)

	var res struct {
		Client    string `json:"client"`
		Checklist []struct {
			Phase string `json:"phase"`
			Item  string `json:"item"`
		} `json:"checklist"`
		WelcomeNote string `json:"welcome_note"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "Globex", res.Client)
	assert.Equal(t, "Welcome aboard", res.WelcomeNote)
	// Fixed skeleton (7 items) plus one per service.
	assert.Len(t, res.Checklist, 9)
	assert.Equal(t, "service onboarding: seo", res.Checklist[7].Item)
}

func TestProviderErrorsPassThrough(t *testing.T) {
	wrapped := domain.WrapOp("model.invoke", domain.ErrProviderTimeout)
	a := NewContentAgent(testDeps(&stubModels{err: wrapped}, nil))

	_, err := a.Handle(context.Background(),
		newTask(domain.AgentContent, "draft_content", `{"format":"blog_post","topic":"go"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderTimeout))
	assert.True(t, domain.IsTransient(err))
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(testDeps(&stubModels{}, nil))
	ctx := context.Background()

	a1, err := r.Resolve(ctx, "acme", domain.AgentSales)
	require.NoError(t, err)
	a2, err := r.Resolve(ctx, "acme", domain.AgentSales)
	require.NoError(t, err)
	assert.Same(t, a1, a2, "same tenant and kind resolves to one instance")

	b, err := r.Resolve(ctx, "globex", domain.AgentSales)
	require.NoError(t, err)
	assert.NotSame(t, a1, b, "tenants get isolated instances")

	_, err = r.Resolve(ctx, "acme", domain.AgentKind("butler"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistrySchemas(t *testing.T) {
	r := NewRegistry(testDeps(&stubModels{}, nil))
	schemas := r.Schemas()

	require.Len(t, schemas, len(domain.AllAgentKinds))
	assert.Contains(t, schemas[domain.AgentSales], "qualify_lead")
	assert.Contains(t, schemas[domain.AgentOperations], "process_invoice")
	for kind, ops := range schemas {
		assert.NotEmpty(t, ops, "agent %s must expose at least one operation", kind)
		for op, schema := range ops {
			assert.True(t, json.Valid(schema), "%s/%s schema must be valid JSON", kind, op)
		}
	}
}

func TestRegistryDescriptors(t *testing.T) {
	r := NewRegistry(testDeps(&stubModels{}, nil))
	ctx := context.Background()

	descs := r.Descriptors("acme")
	require.Len(t, descs, len(domain.AllAgentKinds))
	for _, d := range descs {
		assert.Equal(t, domain.AgentIdle, d.Status)
		assert.Equal(t, domain.AgentMetrics{}, d.Metrics)
	}

	a, err := r.Resolve(ctx, "acme", domain.AgentSales)
	require.NoError(t, err)
	_, err = a.Handle(ctx, newTask(domain.AgentSales, "pipeline_analysis", `{"leads":[]}`))
	require.NoError(t, err)

	for _, d := range r.Descriptors("acme") {
		if d.Kind == domain.AgentSales {
			assert.Equal(t, int64(1), d.Metrics.Completed)
		}
	}
}
