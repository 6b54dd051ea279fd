package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nowhere-ai/internal/domain"
)

const draftContentSchema = `{
	"type": "object",
	"properties": {
		"format": {
			"type": "string",
			"enum": ["blog_post", "social_post", "email", "landing_page", "ad_copy"]
		},
		"topic":        {"type": "string"},
		"tone":         {"type": "string"},
		"keywords":     {"type": "array", "items": {"type": "string"}},
		"length_words": {"type": "integer", "minimum": 10}
	},
	"required": ["format", "topic"]
}`

// formatBriefs shape the instruction per content format.
var formatBriefs = map[string]string{
	"blog_post":    "Write a structured blog post with a hook, subheadings and a closing call to action.",
	"social_post":  "Write a short social media post. Punchy opening, one clear message, a call to action.",
	"email":        "Write a marketing email: subject line first, then a personal, scannable body.",
	"landing_page": "Write landing page copy: headline, subheadline, three benefit blocks, call to action.",
	"ad_copy":      "Write three ad copy variants, each with a headline and a description line.",
}

// defaultLengths in words, per format, when the caller does not pin one.
var defaultLengths = map[string]int{
	"blog_post":    800,
	"social_post":  60,
	"email":        250,
	"landing_page": 350,
	"ad_copy":      120,
}

// NewContentAgent builds the content worker: drafting across the supported
// formats.
func NewContentAgent(deps Deps) *Agent {
	a := newAgent(domain.AgentContent, []domain.Capability{domain.CapText}, nil, deps)
	a.register("draft_content", draftContentSchema, true, draftContent)
	return a
}

func draftContent(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error) {
	var p struct {
		Format      string   `json:"format"`
		Topic       string   `json:"topic"`
		Tone        string   `json:"tone"`
		Keywords    []string `json:"keywords"`
		LengthWords int      `json:"length_words"`
	}
	if err := decodePayload(task, &p); err != nil {
		return nil, err
	}
	if p.Tone == "" {
		p.Tone = "professional"
	}
	if p.LengthWords == 0 {
		p.LengthWords = defaultLengths[p.Format]
	}

	input := fmt.Sprintf("%s\n\nTopic: %s\nTone: %s\nTarget length: about %d words.",
		formatBriefs[p.Format], p.Topic, p.Tone, p.LengthWords)
	if len(p.Keywords) > 0 {
		input += "\nWork in these keywords naturally: " + strings.Join(p.Keywords, ", ")
	}

	resp, err := a.invoke(ctx,
		"You are a senior copywriter. Match the requested format, tone and length.",
		input, domain.InvokeOptions{MaxTokens: p.LengthWords * 3})
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Format string            `json:"format"`
		Output string            `json:"output"`
		Model  string            `json:"model"`
		Usage  domain.ModelUsage `json:"usage"`
	}{Format: p.Format, Output: resp.Text, Model: resp.Model, Usage: resp.Usage})
}
