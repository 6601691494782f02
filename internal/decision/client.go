// Package decision turns an observation plus session history into exactly
// one normalized next action.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/droidpilot/internal/types"
	"github.com/user/droidpilot/pkg/llm"
)

// historyWindow caps how many recent step records enter the prompt,
// independent of the token budget.
const historyWindow = 8

// Client assembles token-budgeted multimodal prompts and parses the model's
// reply into a types.Action.
type Client struct {
	provider  llm.Provider
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a decision client with the specified token budget.
// model selects the tokenizer (e.g. "gpt-4o"); maxTokens is the model's
// context window; reserve is held back for the model's response.
func New(provider llm.Provider, model string, maxTokens, reserve int) (*Client, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Client{
		provider:  provider,
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

func (c *Client) countTokens(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Decide requests one action for the current step. Provider failures are
// returned to the caller for retry; unparseable model output normalizes to a
// wait action and is never an error.
func (c *Client) Decide(ctx context.Context, session *types.Session, obs *types.Observation) (types.Action, error) {
	messages := c.buildPrompt(session, obs)

	resp, err := c.provider.Complete(ctx, messages)
	if err != nil {
		return types.Action{}, fmt.Errorf("model call: %w", err)
	}

	raw := extractJSON(resp.Content)
	if raw == "" {
		return types.WaitAction("model reply contained no action object"), nil
	}
	return types.ParseAction([]byte(raw)), nil
}

func (c *Client) buildPrompt(session *types.Session, obs *types.Observation) []llm.Message {
	sysPrompt := buildSystemPrompt(session, obs)
	inputBudget := c.maxTokens - c.reserve - c.countTokens(sysPrompt)

	// Most recent records win the budget; assemble newest-first, then reverse.
	history := session.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	var lines []string
	usedTokens := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := formatRecord(history[i])
		tokens := c.countTokens(line)
		if usedTokens+tokens > inputBudget {
			break
		}
		lines = append(lines, line)
		usedTokens += tokens
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	userText := "Previous steps:\n"
	if len(lines) == 0 {
		userText += "(none)\n"
	}
	for _, line := range lines {
		userText += line + "\n"
	}
	userText += "\nThe current screen is attached. Reply with a single JSON action object."

	userParts := []llm.Part{llm.TextPart(userText)}
	if obs != nil && len(obs.Screenshot) > 0 {
		userParts = append(userParts, llm.ImagePart(obs.Screenshot))
	}

	return []llm.Message{
		llm.Text("system", sysPrompt),
		{Role: "user", Parts: userParts},
	}
}

func buildSystemPrompt(session *types.Session, obs *types.Observation) string {
	currentApp := "unknown"
	if obs != nil && obs.CurrentApp != "" {
		currentApp = obs.CurrentApp
	}
	return fmt.Sprintf(`You are an Android automation agent driving a device step by step.
Current time: %s. Goal: %s. Step: %d. Focused app: %s.

Each reply must be exactly one JSON object with an "action" field:
  {"action":"tap","x":<px>,"y":<px>}
  {"action":"swipe","x":<px>,"y":<px>,"x2":<px>,"y2":<px>,"duration_ms":<ms>}
  {"action":"type_text","text":"..."}
  {"action":"key_event","key":"KEYCODE_BACK"}
  {"action":"launch_app","package":"com.example.app"}
  {"action":"shell","text":"<command>"}
  {"action":"run_script","text":"<script name>"}
  {"action":"wait","duration_ms":<ms>}
  {"action":"request_auth","capability":"camera|qr|microphone|voice|nfc|sms|2fa|location|biometric|notification|contacts|calendar|files|oauth|payment|permission","instruction":"what the human should do","timeout_sec":<sec>}
  {"action":"finish","success":true|false,"text":"final result"}

Use request_auth when the task needs something only the human can provide
(2FA codes, camera capture, biometric approval, a real location, a photo).
A rejected or timed-out request is information, not failure: pick another
strategy or finish. Add a short "reasoning" field to every action.`,
		time.Now().Format(time.RFC3339), session.Goal, session.Step, currentApp)
}

func formatRecord(r *types.StepRecord) string {
	if r.Args == "" {
		return fmt.Sprintf("step %d: %s -> %s", r.Step, r.Action, r.Result)
	}
	return fmt.Sprintf("step %d: %s(%s) -> %s", r.Step, r.Action, r.Args, r.Result)
}

// extractJSON returns the first balanced top-level JSON object in s, which
// tolerates prose or code fences around the model's action object.
func extractJSON(s string) string {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
