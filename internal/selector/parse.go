package selector

import (
	"encoding/json"
	"fmt"
	"strings"

	"inboxpilot/internal/catalog"
	"inboxpilot/internal/mailbox"
)

type completionPayload struct {
	Category  string            `json:"category"`
	Summary   string            `json:"summary"`
	Functions []proposalPayload `json:"functions"`
}

type proposalPayload struct {
	Name       string            `json:"name"`
	Arguments  map[string]string `json:"arguments"`
	ButtonText string            `json:"button_text"`
	Reason     string            `json:"reason"`
}

// parseCompletion turns the raw completion into a Result. A proposal naming
// an unknown function or failing schema validation is dropped, not fatal; an
// unknown category or unusable JSON is a hard parse error so the caller can
// retry with the prior state intact.
func parseCompletion(cat *catalog.Catalog, completion string) (Result, error) {
	raw := extractJSON(completion)
	if raw == "" {
		return Result{}, fmt.Errorf("no JSON object in completion")
	}

	var payload completionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Result{}, fmt.Errorf("decode completion: %w", err)
	}

	category := CanonicalCategory(payload.Category)
	if category == "" {
		return Result{}, fmt.Errorf("unknown category %q", payload.Category)
	}
	summary := strings.TrimSpace(payload.Summary)
	if summary == "" {
		return Result{}, fmt.Errorf("summary is empty")
	}

	res := Result{Category: category, Summary: summary}
	for _, p := range payload.Functions {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			res.Dropped++
			continue
		}
		if err := cat.Validate(name, p.Arguments); err != nil {
			res.Dropped++
			continue
		}
		buttonText := strings.TrimSpace(p.ButtonText)
		if buttonText == "" {
			if def, err := cat.Lookup(name); err == nil {
				buttonText = def.ButtonText
			}
		}
		res.Proposals = append(res.Proposals, mailbox.FunctionProposal{
			Name:       name,
			Arguments:  p.Arguments,
			ButtonText: buttonText,
			Reason:     strings.TrimSpace(p.Reason),
		})
	}
	return res, nil
}

// extractJSON pulls the first JSON object out of a completion, tolerating
// triple-backtick fences with or without a language tag.
func extractJSON(completion string) string {
	text := strings.TrimSpace(completion)
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{}") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		} else {
			text = strings.TrimSpace(rest)
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
