package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kodustech/kodus-flow/pkg/llm"
)

// buildSystemPrompt assembles the identity, the tool catalog and the
// output format contract for a strategy run.
func buildSystemPrompt(sc *Context, format string) string {
	var b strings.Builder
	if sc.Identity != "" {
		b.WriteString(sc.Identity)
		b.WriteString("\n\n")
	}

	if sc.Tools != nil {
		llmTools := sc.Tools.GetToolsForLLM()
		if len(llmTools) > 0 {
			b.WriteString("Available tools:\n")
			for _, t := range llmTools {
				b.WriteString("- ")
				b.WriteString(t.Name)
				if t.Description != "" {
					b.WriteString(": ")
					b.WriteString(t.Description)
				}
				if t.InputSchema != nil {
					if raw, err := json.Marshal(t.InputSchema); err == nil {
						b.WriteString(" (input schema: ")
						b.Write(raw)
						b.WriteString(")")
					}
				}
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString(format)
	return b.String()
}

const reactFormat = `Respond with a single JSON object:
{"reasoning": "<your thinking>", "action": {"type": "tool_call", "tool": "<name>", "input": {...}}}
or
{"reasoning": "...", "action": {"type": "final_answer", "answer": "<answer>"}}
or
{"reasoning": "...", "action": {"type": "need_more_info", "question": "<question>"}}`

const planFormat = `Respond with a single JSON object describing the full plan:
{"goal": "<goal>", "steps": [{"id": "s1", "type": "tool_call", "tool": "<name>", "input": {...}, "depends_on": []}, {"id": "s2", "type": "final_answer", "answer": "<answer, may reference {{s1}} outputs>", "depends_on": ["s1"]}]}
Steps may reference earlier step outputs with {{stepId}} or {{stepId.field}} placeholders.`

// buildConversation starts the adapter conversation: system prompt,
// prior messages, then the current input.
func buildConversation(sc *Context, format string) []llm.Message {
	messages := make([]llm.Message, 0, len(sc.Messages)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: buildSystemPrompt(sc, format)})
	messages = append(messages, sc.Messages...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: sc.Input})
	return messages
}

// observationMessage renders one step outcome back to the model.
func observationMessage(rec *StepRecord) llm.Message {
	payload := map[string]any{"success": rec.Error == "" && (rec.Result == nil || rec.Result.Success)}
	if rec.Result != nil {
		if rec.Result.Success {
			payload["output"] = rec.Result.Output
		} else {
			payload["error"] = rec.Result.Error
			payload["error_kind"] = string(rec.Result.ErrorKind)
		}
	} else if rec.Error != "" {
		payload["error"] = rec.Error
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	return llm.Message{Role: llm.RoleTool, Content: "Observation: " + string(raw)}
}
