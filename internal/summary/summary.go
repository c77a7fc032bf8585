// Package summary produces the one-line "what is the agent doing" text used
// by notifications and the projection. Providers are pluggable; the default
// is raw mode, which surfaces the literal latest user message instead of an
// AI paraphrase, so nothing here ever has to succeed for the core to work.
package summary

import (
	"context"
	"fmt"
	"strings"
)

// Modes a Summary can be in. Raw mode means no AI content; the notification
// formatter renders it differently.
const (
	ModeAI  = "ai"
	ModeRaw = "raw"
)

// Context is the material a provider summarizes. All fields are pre-derived
// by the caller; providers never touch the store.
type Context struct {
	OriginalGoal         string
	LastUserMessage      string
	LastAssistantMessage string
	PendingQuestion      string
	Completed            int
	Total                int
	// TodoLines is the current list pre-rendered as "- [status] content".
	TodoLines []string
	// InProgressTask is the content of the first in-progress item, if any.
	InProgressTask string
	// NextTask is the first pending or in-progress item, if any.
	NextTask string
}

// Summary is the provider output consumed by the notification formatter.
type Summary struct {
	Mode            string `json:"mode"`
	CurrentTask     string `json:"current_task,omitempty"`
	ProgressSummary string `json:"progress_summary,omitempty"`
	PendingDecision string `json:"pending_decision,omitempty"`
	NextStep        string `json:"next_step,omitempty"`
	UserPrompt      string `json:"user_prompt,omitempty"`
	MessagePreview  string `json:"last_message_preview,omitempty"`
	FallbackReason  string `json:"fallback_reason,omitempty"`
}

// Provider turns a Context into a Summary. Implementations must not return
// an error: anything that can fail falls back to raw mode internally, so the
// caller always has something to display.
type Provider interface {
	Summarize(ctx context.Context, c Context) Summary
}

// Disabled is the raw-mode provider used when summarization is off or a
// richer provider failed.
type Disabled struct {
	// MaxPreview bounds the raw user prompt/question length. Zero means 150.
	MaxPreview int
}

func (d Disabled) Summarize(_ context.Context, c Context) Summary {
	max := d.MaxPreview
	if max <= 0 {
		max = 150
	}

	current := c.InProgressTask
	if current == "" {
		current = clip(c.OriginalGoal, 60)
	}

	s := Summary{
		Mode:            ModeRaw,
		UserPrompt:      clip(c.LastUserMessage, max),
		PendingDecision: clip(c.PendingQuestion, max),
		CurrentTask:     current,
	}
	if c.Total > 0 {
		s.ProgressSummary = progressText(c.Completed, c.Total)
	}
	return s
}

// Extraction derives a summary from the context without any network call.
type Extraction struct {
	// MaxPreview bounds the assistant-message preview. Zero means 200.
	MaxPreview int
}

func (e Extraction) Summarize(_ context.Context, c Context) Summary {
	max := e.MaxPreview
	if max <= 0 {
		max = 200
	}
	return Summary{
		Mode:            ModeRaw,
		CurrentTask:     clip(c.OriginalGoal, 80),
		ProgressSummary: progressText(c.Completed, c.Total),
		PendingDecision: c.PendingQuestion,
		NextStep:        clip(c.NextTask, 50),
		MessagePreview:  clip(c.LastAssistantMessage, max),
	}
}

func progressText(completed, total int) string {
	if total == 0 {
		return "in progress"
	}
	return fmt.Sprintf("%d/%d items done", completed, total)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
