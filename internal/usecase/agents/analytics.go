package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"nowhere-ai/internal/domain"
)

const shapeReportSchema = `{
	"type": "object",
	"properties": {
		"title":  {"type": "string"},
		"period": {"type": "string"},
		"metrics": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"name":   {"type": "string"},
					"values": {"type": "array", "minItems": 1, "items": {"type": "number"}}
				},
				"required": ["name", "values"]
			}
		}
	},
	"required": ["metrics"]
}`

const narrateReportSchema = `{
	"type": "object",
	"properties": {
		"title":    {"type": "string"},
		"audience": {"type": "string"},
		"report":   {"type": "object"}
	},
	"required": ["report"]
}`

// NewAnalyticsAgent builds the analytics worker: deterministic report shaping
// plus a model-backed narrative pass.
func NewAnalyticsAgent(deps Deps) *Agent {
	a := newAgent(domain.AgentAnalytics,
		[]domain.Capability{domain.CapText, domain.CapReasoning}, nil, deps)
	a.register("shape_report", shapeReportSchema, true, shapeReport)
	a.register("narrate_report", narrateReportSchema, true, narrateReport)
	return a
}

type metricSeries struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

type metricSummary struct {
	Name      string  `json:"name"`
	Count     int     `json:"count"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Median    float64 `json:"median"`
	DeltaPct  float64 `json:"delta_pct"` // last vs first
	Direction string  `json:"direction"` // up, down, flat
}

func shapeReport(_ context.Context, _ *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Title   string         `json:"title"`
		Period  string         `json:"period"`
		Metrics []metricSeries `json:"metrics"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}

	summaries := make([]metricSummary, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		summaries = append(summaries, summarizeSeries(m))
	}

	return json.Marshal(struct {
		Title     string          `json:"title,omitempty"`
		Period    string          `json:"period,omitempty"`
		Summaries []metricSummary `json:"summaries"`
	}{Title: p.Title, Period: p.Period, Summaries: summaries})
}

func summarizeSeries(m metricSeries) metricSummary {
	s := metricSummary{Name: m.Name, Count: len(m.Values)}
	sorted := append([]float64(nil), m.Values...)
	sort.Float64s(sorted)
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]

	sum := 0.0
	for _, v := range m.Values {
		sum += v
	}
	s.Mean = round2(sum / float64(len(m.Values)))

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		s.Median = round2((sorted[mid-1] + sorted[mid]) / 2)
	} else {
		s.Median = sorted[mid]
	}

	first, last := m.Values[0], m.Values[len(m.Values)-1]
	if first != 0 {
		s.DeltaPct = round2((last - first) / math.Abs(first) * 100)
	}
	switch {
	case s.DeltaPct > 1:
		s.Direction = "up"
	case s.DeltaPct < -1:
		s.Direction = "down"
	default:
		s.Direction = "flat"
	}
	return s
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func narrateReport(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Title    string          `json:"title"`
		Audience string          `json:"audience"`
		Report   json.RawMessage `json:"report"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}
	if p.Audience == "" {
		p.Audience = "leadership"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Turn this report into a narrative for %s.\n", p.Audience)
	if p.Title != "" {
		fmt.Fprintf(&sb, "Report title: %s\n", p.Title)
	}
	sb.WriteString("Report data (JSON):\n")
	sb.Write(p.Report)
	sb.WriteString("\n\nLead with the headline movement, then what drove it, then the one decision to make.")

	resp, err := a.invoke(ctx,
		"You are a business analyst. Narratives are short, numeric and decision-oriented.",
		sb.String(), domain.InvokeOptions{MaxTokens: 800})
	if err != nil {
		return nil, err
	}
	return wrapModelResult(resp)
}
