package summary

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You summarize the state of a coding agent session for a desktop notification.
Reply with a single JSON object and nothing else:
{"current_task":"...","progress_summary":"...","pending_decision":"...","next_step":"..."}
Keep every field under 15 words. Use empty strings for fields you cannot fill.
Do not invent work that is not in the context.`

// OpenAIConfig describes the chat-completions endpoint to call. BaseURL may
// point at any OpenAI-compatible server.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI summarizes via a chat-completions call. Every failure path degrades
// to the Disabled provider so a dead endpoint never blocks a hook.
type OpenAI struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	fallback Disabled
	log      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig, log *slog.Logger) *OpenAI {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cc),
		model:   model,
		timeout: timeout,
		log:     log,
	}
}

func (o *OpenAI) Summarize(ctx context.Context, c Context) Summary {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.2,
		MaxTokens:   300,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderContext(c)},
		},
	})
	if err != nil {
		return o.degrade(c, "request failed: "+err.Error())
	}
	if len(resp.Choices) == 0 {
		return o.degrade(c, "empty response")
	}

	s, err := parseReply(resp.Choices[0].Message.Content)
	if err != nil {
		return o.degrade(c, "unparseable reply: "+err.Error())
	}
	s.Mode = ModeAI
	if s.PendingDecision == "" {
		s.PendingDecision = clip(c.PendingQuestion, 150)
	}
	if s.ProgressSummary == "" && c.Total > 0 {
		s.ProgressSummary = progressText(c.Completed, c.Total)
	}
	return s
}

func (o *OpenAI) degrade(c Context, reason string) Summary {
	if o.log != nil {
		o.log.Warn("summary fell back to raw mode", "reason", reason)
	}
	s := o.fallback.Summarize(context.Background(), c)
	s.FallbackReason = reason
	return s
}

// parseReply extracts the JSON object from a model reply that may wrap it in
// prose or a code fence.
func parseReply(reply string) (Summary, error) {
	var s Summary
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return s, errNoJSON
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &s); err != nil {
		return s, err
	}
	return s, nil
}

var errNoJSON = errors.New("no JSON object in reply")

func renderContext(c Context) string {
	var b strings.Builder
	write := func(label, v string) {
		if v != "" {
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(clip(v, 500))
			b.WriteString("\n")
		}
	}
	write("Goal", c.OriginalGoal)
	write("Latest user message", c.LastUserMessage)
	write("Latest assistant message", c.LastAssistantMessage)
	write("Pending question", c.PendingQuestion)
	if c.Total > 0 {
		write("Progress", progressText(c.Completed, c.Total))
	}
	if len(c.TodoLines) > 0 {
		b.WriteString("Todo list:\n")
		for _, line := range c.TodoLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
