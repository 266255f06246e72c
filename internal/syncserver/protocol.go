package syncserver

import (
	"encoding/json"
	"strings"

	"inboxpilot/internal/mailbox"
)

const (
	msgTypeMailbox = "mailbox"
	msgTypeChat    = "chat_message"
	msgTypeError   = "error"

	actionExecuteFunction = "execute_function"
)

// mailboxMessage is the full-snapshot broadcast. Re-sent wholesale after
// every committed mutation; reconnecting clients need no cursor state.
type mailboxMessage struct {
	Type     string                              `json:"type"`
	Messages map[string]mailbox.ThreadRecordView `json:"messages"`
}

type chatMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type errorMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

// clientCommand is the union of inbound client messages.
type clientCommand struct {
	Type    string      `json:"type"`
	Action  string      `json:"action"`
	Payload string      `json:"payload"`
	Args    executeArgs `json:"args"`
}

type executeArgs struct {
	MessageID    string            `json:"message_id"`
	ThreadID     string            `json:"thread_id"`
	FunctionName string            `json:"function_name"`
	Arguments    map[string]string `json:"arguments"`
}

// threadID accepts both arg spellings the clients use.
func (a executeArgs) threadID() string {
	if id := strings.TrimSpace(a.MessageID); id != "" {
		return id
	}
	return strings.TrimSpace(a.ThreadID)
}

func parseCommand(data []byte) (clientCommand, error) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return clientCommand{}, err
	}
	return cmd, nil
}
