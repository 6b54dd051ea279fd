package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nowhere-ai/internal/domain"
)

// qualificationThreshold splits qualified from unqualified leads on the
// 1..10 score scale.
const qualificationThreshold = 6.0

const qualifyLeadSchema = `{
	"type": "object",
	"properties": {
		"name":     {"type": "string"},
		"email":    {"type": "string"},
		"phone":    {"type": "string"},
		"company":  {"type": "string"},
		"service":  {"type": "string"},
		"message":  {"type": "string"},
		"budget":   {"type": "string"},
		"timeline": {"type": "string"}
	},
	"required": ["email", "message"]
}`

const pipelineAnalysisSchema = `{
	"type": "object",
	"properties": {
		"leads": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"score":     {"type": "number"},
					"qualified": {"type": "boolean"},
					"stage":     {"type": "string"}
				},
				"required": ["score", "qualified"]
			}
		}
	},
	"required": ["leads"]
}`

const draftProposalSchema = `{
	"type": "object",
	"properties": {
		"client":       {"type": "string"},
		"company":      {"type": "string"},
		"requirements": {"type": "string"},
		"services":     {"type": "array", "items": {"type": "string"}}
	},
	"required": ["client", "requirements"]
}`

type leadPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Company  string `json:"company"`
	Service  string `json:"service"`
	Message  string `json:"message"`
	Budget   string `json:"budget"`
	Timeline string `json:"timeline"`
}

// NewSalesAgent builds the sales worker: lead qualification, pipeline
// analysis and proposal drafting.
func NewSalesAgent(deps Deps) *Agent {
	a := newAgent(domain.AgentSales,
		[]domain.Capability{domain.CapText, domain.CapReasoning}, nil, deps)
	a.register("qualify_lead", qualifyLeadSchema, true, qualifyLead)
	a.register("pipeline_analysis", pipelineAnalysisSchema, true, analyzePipeline)
	a.register("draft_proposal", draftProposalSchema, true, draftProposal)
	return a
}

func qualifyLead(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error) {
	var lead leadPayload
	if err := decodePayload(task, &lead); err != nil {
		return nil, err
	}

	score := scoreLead(lead)
	qualified := score >= qualificationThreshold

	input := fmt.Sprintf(
		"Lead:\nName: %s\nCompany: %s\nService interest: %s\nBudget: %s\nTimeline: %s\nMessage: %s\n\n"+
			"Heuristic score: %.1f/10 (threshold %.1f). Explain the score, name the "+
			"strongest and weakest qualification signals, and recommend the next action.",
		orNA(lead.Name), orNA(lead.Company), orNA(lead.Service),
		orNA(lead.Budget), orNA(lead.Timeline), lead.Message,
		score, qualificationThreshold)
	resp, err := a.invoke(ctx,
		"You are a sales qualification analyst for a digital services firm. Be concise and specific.",
		input, domain.InvokeOptions{MaxTokens: 600})
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Qualified       bool              `json:"qualified"`
		Score           float64           `json:"score"`
		Analysis        string            `json:"analysis"`
		Recommendations []string          `json:"recommendations"`
		Model           string            `json:"model"`
		Usage           domain.ModelUsage `json:"usage"`
	}{
		Qualified:       qualified,
		Score:           score,
		Analysis:        resp.Text,
		Recommendations: recommendServices(lead),
		Model:           resp.Model,
		Usage:           resp.Usage,
	})
}

// scoreLead is the deterministic half of qualification: budget, urgency,
// service fit, message depth and company presence each contribute, clamped
// to [1, 10].
func scoreLead(lead leadPayload) float64 {
	score := 0.0

	budgetText := strings.ToLower(lead.Budget + " " + lead.Message)
	if containsAny(budgetText, "budget", "invest", "spend", "cost") {
		switch {
		case containsAny(budgetText, "10000", "20000", "50000", "significant", "substantial"):
			score += 3.0
		case containsAny(budgetText, "1000", "5000", "reasonable", "affordable"):
			score += 2.0
		default:
			score += 1.0
		}
	}

	urgencyText := strings.ToLower(lead.Message + " " + lead.Timeline)
	switch {
	case containsAny(urgencyText, "urgent", "asap", "immediately", "soon", "quickly"):
		score += 2.5
	case containsAny(urgencyText, "month", "weeks", "deadline"):
		score += 1.5
	}

	switch strings.ToLower(lead.Service) {
	case "ai_automation", "digital_ecosystem", "marketing_intelligence":
		score += 2.0
	case "web_development", "content_marketing", "social_media":
		score += 1.5
	}

	switch {
	case len(lead.Message) > 100:
		score += 1.5
	case len(lead.Message) > 50:
		score += 1.0
	}

	if lead.Company != "" {
		score += 1.0
	}

	return min(max(score, 1.0), 10.0)
}

func recommendServices(lead leadPayload) []string {
	text := strings.ToLower(lead.Message + " " + lead.Service)
	var out []string
	if containsAny(text, "automation", "ai", "workflow") {
		out = append(out, "ai_automation")
	}
	if containsAny(text, "marketing", "campaign", "ads", "social") {
		out = append(out, "marketing_intelligence")
	}
	if containsAny(text, "website", "web", "ecommerce", "shop") {
		out = append(out, "web_development")
	}
	if len(out) == 0 {
		out = append(out, "digital_ecosystem")
	}
	return out
}

type pipelineLead struct {
	Score     float64 `json:"score"`
	Qualified bool    `json:"qualified"`
	Stage     string  `json:"stage"`
}

func analyzePipeline(_ context.Context, _ *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Leads []pipelineLead `json:"leads"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}

	total := len(p.Leads)
	out := struct {
		TotalLeads        int            `json:"total_leads"`
		QualifiedLeads    int            `json:"qualified_leads"`
		QualificationRate float64        `json:"qualification_rate"`
		AverageScore      float64        `json:"average_score"`
		ByStage           map[string]int `json:"by_stage,omitempty"`
		PipelineHealth    string         `json:"pipeline_health"`
		Recommendations   []string       `json:"recommendations"`
	}{PipelineHealth: "no_data"}

	if total > 0 {
		sum := 0.0
		byStage := make(map[string]int)
		for _, l := range p.Leads {
			sum += l.Score
			if l.Qualified {
				out.QualifiedLeads++
			}
			if l.Stage != "" {
				byStage[l.Stage]++
			}
		}
		out.TotalLeads = total
		out.QualificationRate = float64(out.QualifiedLeads) / float64(total) * 100
		out.AverageScore = sum / float64(total)
		if len(byStage) > 0 {
			out.ByStage = byStage
		}
		if out.QualificationRate > 30 {
			out.PipelineHealth = "good"
		} else {
			out.PipelineHealth = "needs_improvement"
			out.Recommendations = append(out.Recommendations,
				"tighten lead sources or revisit qualification criteria")
		}
		if out.AverageScore < qualificationThreshold {
			out.Recommendations = append(out.Recommendations,
				"prioritize follow-up on leads above the qualification threshold")
		}
	}
	return json.Marshal(out)
}

func draftProposal(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Client       string   `json:"client"`
		Company      string   `json:"company"`
		Requirements string   `json:"requirements"`
		Services     []string `json:"services"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}

	input := fmt.Sprintf(
		"Draft a service proposal.\nClient: %s\nCompany: %s\nRequirements: %s\nServices in scope: %s\n\n"+
			"Sections: executive summary, recommended services and pricing approach, "+
			"implementation timeline, expected outcomes, next steps.",
		p.Client, orNA(p.Company), p.Requirements, strings.Join(p.Services, ", "))
	resp, err := a.invoke(ctx,
		"You write professional, specific service proposals for a digital services firm.",
		input, domain.InvokeOptions{MaxTokens: 1500})
	if err != nil {
		return nil, err
	}
	return wrapModelResult(resp)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
