package selector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inboxpilot/internal/catalog"
	"inboxpilot/internal/mailbox"
)

const systemPrompt = "You analyze email threads for a personal mailbox assistant. You respond only with the requested JSON object."

// renderPrompt builds the selection prompt: the category taxonomy, every
// catalog function with its parameter schema, the expected response shape,
// and finally the thread content.
func renderPrompt(defs []catalog.FunctionDefinition, rec mailbox.ThreadRecord) string {
	var b strings.Builder

	b.WriteString("Analyze this email thread from the user's inbox. Respond with a category, a summary, and the agent functions (if any) that apply to the thread.\n\n")

	b.WriteString("Categories (choose exactly one; when several fit, pick the one that best fits the most recently received message; if none fit well, use \"Miscellaneous\"):\n")
	for _, c := range categoryDescriptions {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}

	b.WriteString("\nYour summary should be brief: 10-12 words, less than 80 characters. Focus on the main point of the thread and any actionable items for the user. In threads with many messages, focus on the most recent messages.\n")

	b.WriteString("\nAvailable functions:\n")
	if len(defs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		for _, p := range def.Parameters {
			required := "optional"
			if p.Required {
				required = "required"
			}
			fmt.Fprintf(&b, "    - %s (%s, %s): %s\n", p.Name, p.Type, required, p.Description)
		}
	}
	b.WriteString("\nOnly propose functions from the list above, and only when the thread gives you the information their required parameters need. Argument values are strings; dates use the 2006-01-02 form. Proposing zero functions is a normal outcome.\n")

	b.WriteString("\nRespond with a single JSON object enclosed in triple backticks, and no additional commentary. Example:\n")
	b.WriteString("```\n{\n  \"category\": \"[your category here]\",\n  \"summary\": \"[your summary here]\",\n  \"functions\": [\n    {\"name\": \"[function name]\", \"arguments\": {\"[parameter]\": \"[value]\"}, \"button_text\": \"[short action label]\", \"reason\": \"[why this applies]\"}\n  ]\n}\n```\n")

	fmt.Fprintf(&b, "\nThe current UTC date is %s.\n", time.Now().UTC().Format("2006-01-02"))

	b.WriteString("\nThread details: \"\"\"\n")
	b.WriteString(renderThread(rec))
	b.WriteString("\n\"\"\"\n")
	return b.String()
}

func renderThread(rec mailbox.ThreadRecord) string {
	type messageDetails struct {
		From       string   `json:"from"`
		To         []string `json:"to,omitempty"`
		Subject    string   `json:"subject"`
		ReceivedAt string   `json:"received_at,omitempty"`
		Body       string   `json:"body"`
	}
	msgs := make([]messageDetails, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		d := messageDetails{
			From:    m.From,
			To:      m.To,
			Subject: m.Subject,
			Body:    m.Body,
		}
		if !m.ReceivedAt.IsZero() {
			d.ReceivedAt = m.ReceivedAt.UTC().Format(time.RFC3339)
		}
		msgs = append(msgs, d)
	}
	details := map[string]any{
		"id":       rec.ID,
		"messages": msgs,
	}
	data, err := json.Marshal(details)
	if err != nil {
		return rec.ID
	}
	return string(data)
}
