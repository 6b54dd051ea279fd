package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"nowhere-ai/internal/domain"
)

const planCampaignSchema = `{
	"type": "object",
	"properties": {
		"objective":      {"type": "string"},
		"audience":       {"type": "string"},
		"budget":         {"type": "number", "minimum": 0},
		"duration_weeks": {"type": "integer", "minimum": 1},
		"channels":       {"type": "array", "items": {"type": "string"}}
	},
	"required": ["objective", "audience"]
}`

const channelMixSchema = `{
	"type": "object",
	"properties": {
		"audience": {"type": "string"},
		"budget":   {"type": "number", "minimum": 0},
		"goals":    {"type": "array", "items": {"type": "string"}}
	},
	"required": ["audience", "budget"]
}`

// NewMarketingAgent builds the marketing worker: campaign planning and
// channel mix allocation.
func NewMarketingAgent(deps Deps) *Agent {
	a := newAgent(domain.AgentMarketing, []domain.Capability{domain.CapText}, nil, deps)
	a.register("plan_campaign", planCampaignSchema, true, planCampaign)
	a.register("channel_mix", channelMixSchema, true, channelMix)
	return a
}

func planCampaign(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Objective     string   `json:"objective"`
		Audience      string   `json:"audience"`
		Budget        float64  `json:"budget"`
		DurationWeeks int      `json:"duration_weeks"`
		Channels      []string `json:"channels"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}
	if p.DurationWeeks == 0 {
		p.DurationWeeks = 4
	}

	input := fmt.Sprintf(
		"Plan a marketing campaign.\nObjective: %s\nAudience: %s\nBudget: %.0f\nDuration: %d weeks\nPreferred channels: %s\n\n"+
			"Deliver: positioning statement, weekly phase plan, channel tactics, "+
			"KPIs per phase, and the top three risks.",
		p.Objective, p.Audience, p.Budget, p.DurationWeeks,
		strings.Join(p.Channels, ", "))
	resp, err := a.invoke(ctx,
		"You are a marketing strategist. Plans are concrete, phased and measurable.",
		input, domain.InvokeOptions{MaxTokens: 1200})
	if err != nil {
		return nil, err
	}
	return wrapModelResult(resp)
}

// channelWeight is one channel's base allocation weight plus the goal
// keywords that boost it.
type channelWeight struct {
	channel string
	base    float64
	boosts  []string
}

// channelWeights drive the deterministic budget split. Goal keywords shift
// weight toward matching channels before normalization.
var channelWeights = []channelWeight{
	{"search_ads", 0.30, []string{"leads", "conversion", "sales"}},
	{"social_media", 0.25, []string{"awareness", "brand", "engagement"}},
	{"email", 0.15, []string{"retention", "nurture", "loyalty"}},
	{"content_seo", 0.20, []string{"organic", "authority", "traffic"}},
	{"display", 0.10, []string{"awareness", "reach"}},
}

func channelMix(_ context.Context, _ *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Audience string   `json:"audience"`
		Budget   float64  `json:"budget"`
		Goals    []string `json:"goals"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}

	goalText := strings.ToLower(strings.Join(p.Goals, " "))
	weights := make([]float64, len(channelWeights))
	total := 0.0
	for i, cw := range channelWeights {
		w := cw.base
		for _, boost := range cw.boosts {
			if strings.Contains(goalText, boost) {
				w *= 1.5
				break
			}
		}
		weights[i] = w
		total += w
	}

	type allocation struct {
		Channel string  `json:"channel"`
		Share   float64 `json:"share"`
		Budget  float64 `json:"budget"`
	}
	allocs := make([]allocation, len(channelWeights))
	for i, cw := range channelWeights {
		share := weights[i] / total
		allocs[i] = allocation{
			Channel: cw.channel,
			Share:   math.Round(share*1000) / 1000,
			Budget:  math.Round(p.Budget*share*100) / 100,
		}
	}

	return json.Marshal(struct {
		Audience    string       `json:"audience"`
		TotalBudget float64      `json:"total_budget"`
		Mix         []allocation `json:"mix"`
	}{Audience: p.Audience, TotalBudget: p.Budget, Mix: allocs})
}
