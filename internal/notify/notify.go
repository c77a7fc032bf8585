// Package notify formats and delivers desktop notifications about session
// state changes. Delivery shells out to an external notifier binary and is
// strictly best-effort: a missing or hanging notifier must never fail a hook.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-pulse/internal/summary"
)

// Kinds of notification, in rough priority order.
const (
	KindDecisionNeeded   = "decision_needed"
	KindPermissionNeeded = "permission_needed"
	KindRateLimited      = "rate_limited"
	KindIdle             = "idle"
	KindCompleted        = "completed"
	KindWaitingForUser   = "waiting_for_user"
	KindGeneric          = "generic"
)

// Categories group kinds for notifier-side actions (reply buttons etc).
const (
	CategoryDecision   = "DECISION_NEEDED"
	CategoryPermission = "PERMISSION_NEEDED"
	CategoryTaskStatus = "TASK_STATUS"
)

// Input is everything the formatter may draw on for one notification.
type Input struct {
	Kind         string
	SessionID    string
	Project      string
	AccountAlias string
	Round        int
	Goal         string
	Message      string
	Question     string
	Options      []string
	Summary      *summary.Summary
}

// Notification is a fully formatted message ready for delivery.
type Notification struct {
	Title    string
	Subtitle string
	Body     string
	Sound    string
	Category string
	Group    string
}

var kindMeta = map[string]struct {
	emoji    string
	label    string
	sound    string
	category string
}{
	KindDecisionNeeded:   {"❓", "Decision needed", "Sosumi", CategoryDecision},
	KindPermissionNeeded: {"🔐", "Permission needed", "Sosumi", CategoryPermission},
	KindRateLimited:      {"⛔", "Rate limited", "Basso", CategoryTaskStatus},
	KindIdle:             {"💤", "Waiting for input", "Glass", CategoryTaskStatus},
	KindCompleted:        {"✅", "Task complete", "Hero", CategoryTaskStatus},
	KindWaitingForUser:   {"❓", "Question for you", "Sosumi", CategoryDecision},
	KindGeneric:          {"ℹ️", "Agent update", "Pop", CategoryTaskStatus},
}

const bodyMax = 80

// Format builds the notification for an input. It never returns an error;
// missing fields just produce a sparser message.
func Format(in Input) Notification {
	meta, ok := kindMeta[in.Kind]
	if !ok {
		meta = kindMeta[KindGeneric]
	}

	title := fmt.Sprintf("%s %s", meta.emoji, meta.label)
	if in.AccountAlias != "" && in.AccountAlias != "default" {
		title += fmt.Sprintf(" [%s]", in.AccountAlias)
	}
	if len(in.SessionID) >= 4 {
		title += fmt.Sprintf(" [%s]", in.SessionID[:4])
	}
	if in.Round > 0 {
		title += fmt.Sprintf(" R%d", in.Round)
	}

	return Notification{
		Title:    title,
		Subtitle: subtitle(in),
		Body:     body(in),
		Sound:    meta.sound,
		Category: meta.category,
		Group:    "agent-pulse-" + in.SessionID,
	}
}

func subtitle(in Input) string {
	tag := "[RAW]"
	// Project carries the full working directory; show just the leaf.
	line := ""
	if in.Project != "" {
		line = filepath.Base(in.Project)
	}
	if in.Summary != nil {
		if in.Summary.Mode == summary.ModeAI {
			tag = "[AI]"
		}
		if in.Summary.CurrentTask != "" {
			line = in.Summary.CurrentTask
		}
		if in.Summary.ProgressSummary != "" {
			line += " · " + in.Summary.ProgressSummary
		}
	}
	return strings.TrimSpace(tag + " " + line)
}

// body picks the most urgent available text. Completion trumps permission
// trumps question trumps goal trumps the raw hook message.
func body(in Input) string {
	switch {
	case in.Kind == KindCompleted && in.Goal != "":
		return clip("Done: "+in.Goal, bodyMax)
	case in.Kind == KindPermissionNeeded && in.Message != "":
		return clip(in.Message, bodyMax)
	case in.Question != "":
		b := in.Question
		if len(in.Options) > 0 {
			b += " (" + strings.Join(in.Options, " / ") + ")"
		}
		return clip(b, bodyMax)
	case in.Summary != nil && in.Summary.NextStep != "":
		return clip("Next: "+in.Summary.NextStep, bodyMax)
	case in.Goal != "":
		return clip(in.Goal, bodyMax)
	default:
		return clip(in.Message, bodyMax)
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Sender delivers notifications through an external notifier command.
type Sender struct {
	// Command is the notifier binary. Empty disables delivery.
	Command string
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
	Log     *slog.Logger
}

// Send delivers n. Failures are logged and swallowed.
func (s *Sender) Send(ctx context.Context, n Notification) {
	if s == nil || s.Command == "" {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-title", n.Title,
		"-message", n.Body,
		"-sound", n.Sound,
		"-group", n.Group,
	}
	if n.Subtitle != "" {
		args = append(args, "-subtitle", n.Subtitle)
	}
	if n.Category != "" {
		args = append(args, "-category", n.Category)
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if s.Log != nil {
			s.Log.Warn("notification delivery failed",
				"command", s.Command,
				"error", err,
				"output", strings.TrimSpace(string(out)))
		}
	}
}
