package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"nowhere-ai/internal/domain"
)

const buildWorkflowSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"name":       {"type": "string"},
					"owner":      {"type": "string"},
					"depends_on": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["name"]
			}
		}
	},
	"required": ["name", "steps"]
}`

const processInvoiceSchema = `{
	"type": "object",
	"properties": {
		"invoice_number": {"type": "string"},
		"customer":       {"type": "string"},
		"currency":       {"type": "string"},
		"tax_rate":       {"type": "number", "minimum": 0, "maximum": 1},
		"line_items": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"quantity":    {"type": "number", "minimum": 0},
					"unit_price":  {"type": "number", "minimum": 0}
				},
				"required": ["description", "quantity", "unit_price"]
			}
		}
	},
	"required": ["invoice_number", "customer", "line_items"]
}`

const onboardClientSchema = `{
	"type": "object",
	"properties": {
		"client":   {"type": "string"},
		"services": {"type": "array", "items": {"type": "string"}},
		"contact":  {"type": "string"}
	},
	"required": ["client"]
}`

// NewOperationsAgent builds the operations worker: workflow descriptors,
// invoice processing and client onboarding.
func NewOperationsAgent(deps Deps) *Agent {
	a := newAgent(domain.AgentOperations, []domain.Capability{domain.CapText}, nil, deps)
	a.register("build_workflow", buildWorkflowSchema, true, buildWorkflow)
	a.register("process_invoice", processInvoiceSchema, true, processInvoice)
	a.register("onboard_client", onboardClientSchema, true, onboardClient)
	return a
}

type workflowStep struct {
	Name      string   `json:"name"`
	Owner     string   `json:"owner"`
	DependsOn []string `json:"depends_on"`
}

// buildWorkflow validates the step graph and emits an executable descriptor
// with a topological order. Cycles and unknown dependencies are validation
// failures.
func buildWorkflow(_ context.Context, _ *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Name  string         `json:"name"`
		Steps []workflowStep `json:"steps"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}

	byName := make(map[string]workflowStep, len(p.Steps))
	for _, s := range p.Steps {
		if _, dup := byName[s.Name]; dup {
			return nil, domain.NewValidationError("agent.handle",
				"duplicate workflow step "+s.Name, "steps")
		}
		byName[s.Name] = s
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, domain.NewValidationError("agent.handle",
					fmt.Sprintf("step %s depends on unknown step %s", s.Name, dep), "steps")
			}
		}
	}

	order, err := topoSort(p.Steps)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Name      string         `json:"name"`
		StepCount int            `json:"step_count"`
		Order     []string       `json:"order"`
		Steps     []workflowStep `json:"steps"`
	}{Name: p.Name, StepCount: len(p.Steps), Order: order, Steps: p.Steps})
}

// topoSort is Kahn's algorithm over step names, stable on input order.
func topoSort(steps []workflowStep) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, s := range steps {
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, domain.NewValidationError("agent.handle",
			"workflow steps contain a dependency cycle", "steps")
	}
	return order, nil
}

type invoiceLine struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Total       float64 `json:"total"`
}

func processInvoice(_ context.Context, _ *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		InvoiceNumber string        `json:"invoice_number"`
		Customer      string        `json:"customer"`
		Currency      string        `json:"currency"`
		TaxRate       float64       `json:"tax_rate"`
		LineItems     []invoiceLine `json:"line_items"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	subtotal := 0.0
	for i := range p.LineItems {
		p.LineItems[i].Total = roundCents(p.LineItems[i].Quantity * p.LineItems[i].UnitPrice)
		subtotal += p.LineItems[i].Total
	}
	subtotal = roundCents(subtotal)
	tax := roundCents(subtotal * p.TaxRate)

	return json.Marshal(struct {
		InvoiceNumber string        `json:"invoice_number"`
		Customer      string        `json:"customer"`
		Currency      string        `json:"currency"`
		LineItems     []invoiceLine `json:"line_items"`
		Subtotal      float64       `json:"subtotal"`
		Tax           float64       `json:"tax"`
		Total         float64       `json:"total"`
	}{
		InvoiceNumber: p.InvoiceNumber,
		Customer:      p.Customer,
		Currency:      p.Currency,
		LineItems:     p.LineItems,
		Subtotal:      subtotal,
		Tax:           tax,
		Total:         roundCents(subtotal + tax),
	})
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// onboardingPhases is the fixed checklist skeleton; service-specific items
// are appended per requested service.
var onboardingPhases = []struct {
	Phase string
	Items []string
}{
	{"kickoff", []string{"intake call scheduled", "primary contact confirmed", "access credentials collected"}},
	{"setup", []string{"workspace provisioned", "tracking and reporting configured"}},
	{"launch", []string{"deliverable plan approved", "first review scheduled"}},
}

func onboardClient(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Client   string   `json:"client"`
		Services []string `json:"services"`
		Contact  string   `json:"contact"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}

	type checklistItem struct {
		Phase string `json:"phase"`
		Item  string `json:"item"`
	}
	var checklist []checklistItem
	for _, ph := range onboardingPhases {
		for _, item := range ph.Items {
			checklist = append(checklist, checklistItem{Phase: ph.Phase, Item: item})
		}
	}
	for _, svc := range p.Services {
		checklist = append(checklist, checklistItem{
			Phase: "setup",
			Item:  "service onboarding: " + svc,
		})
	}

	input := fmt.Sprintf(
		"Write a short welcome note for a new client.\nClient: %s\nServices: %s\n"+
			"Mention the kickoff call and who to reach out to%s.",
		p.Client, strings.Join(p.Services, ", "), contactClause(p.Contact))
	resp, err := a.invoke(ctx,
		"You write warm, concise client onboarding messages.",
		input, domain.InvokeOptions{MaxTokens: 400})
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Client      string          `json:"client"`
		Checklist   []checklistItem `json:"checklist"`
		WelcomeNote string          `json:"welcome_note"`
		Model       string          `json:"model"`
	}{Client: p.Client, Checklist: checklist, WelcomeNote: resp.Text, Model: resp.Model})
}

func contactClause(contact string) string {
	if contact == "" {
		return ""
	}
	return " (" + contact + ")"
}
