package sessions

import (
	"fmt"

	"github.com/conductorhq/conductor/pkg/models"
)

// RepairTranscript restores the conversation invariant on a loaded
// history: every assistant message carrying tool calls is followed, before
// the next assistant message, by exactly one tool message per call id. A
// crash between persisting the assistant message and its tool results
// leaves gaps; repair synthesizes an error tool message for each missing
// id and drops tool messages that answer no pending call, so a warmed
// engine never replays a malformed log to the model.
func RepairTranscript(history []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(history))
	var pending []string
	pendingSet := make(map[string]bool)

	flushPending := func() {
		for _, callID := range pending {
			if !pendingSet[callID] {
				continue
			}
			out = append(out, &models.Message{
				ID:         "repair-" + callID,
				Role:       models.RoleTool,
				ToolCallID: callID,
				Content:    fmt.Sprintf("%s: tool result was lost during persistence", models.ToolResultErrorExecution),
			})
		}
		pending = nil
		pendingSet = make(map[string]bool)
	}

	for _, msg := range history {
		switch {
		case msg.Role == models.RoleTool:
			if !pendingSet[msg.ToolCallID] {
				// Orphan: answers no outstanding call; dropping it keeps
				// the log parseable for every provider.
				continue
			}
			pendingSet[msg.ToolCallID] = false
			out = append(out, msg)
		case msg.Role == models.RoleAssistant:
			flushPending()
			out = append(out, msg)
			for _, call := range msg.ToolCalls {
				pending = append(pending, call.ID)
				pendingSet[call.ID] = true
			}
		default:
			out = append(out, msg)
		}
	}
	flushPending()
	return out
}
