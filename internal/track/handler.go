package track

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/asheshgoplani/agent-pulse/internal/notify"
	"github.com/asheshgoplani/agent-pulse/internal/statedb"
	"github.com/asheshgoplani/agent-pulse/internal/summary"
	"github.com/asheshgoplani/agent-pulse/internal/transcript"
)

// promptEventMax bounds the prompt text stored per user_input event.
const promptEventMax = 500

// snapshotTailLines is how much transcript is read on stop. Enough to find
// the last real user and assistant messages in a long tool-use run.
const snapshotTailLines = 200

// Handler applies one decoded hook event to the store. It is built fresh in
// every hook process; all cross-process state lives in the database.
type Handler struct {
	Store      *statedb.Store
	Summarizer summary.Provider

	// AccountAlias and Terminal are environment-derived defaults used when a
	// session row has to be created on the fly.
	AccountAlias string
	Terminal     statedb.TerminalInfo

	Log *slog.Logger
}

// Handle dispatches ev and returns zero or more notifications for the caller
// to deliver after the store work has committed. A nil error with no
// notifications is the common case.
func (h *Handler) Handle(ctx context.Context, ev Event) ([]notify.Input, error) {
	switch e := ev.(type) {
	case SessionInit:
		return nil, h.handleInit(e)
	case UserPromptSubmitted:
		return nil, h.handlePrompt(e)
	case PreToolUse:
		return nil, h.handlePreTool(e)
	case PostToolUse:
		return h.handlePostTool(e)
	case Notification:
		return h.handleNotification(e)
	case PermissionRequest:
		return nil, h.handlePermission(e)
	case SubagentStart:
		return nil, h.handleSubagentStart(e)
	case SubagentStop:
		return nil, h.handleSubagentStop(e)
	case Stop:
		return h.handleStop(ctx, e)
	case SessionCleanup:
		return nil, h.handleCleanup(e)
	default:
		return nil, fmt.Errorf("track: unhandled event kind %q", ev.Kind())
	}
}

func (h *Handler) handleInit(e SessionInit) error {
	if e.PendingID == "" {
		return errors.New("track: session-init without pending id")
	}
	_, err := h.Store.CreatePending(e.PendingID, e.Project, e.AccountAlias, e.Terminal)
	return err
}

// handlePrompt records user input on a known session, or establishes session
// identity: the first prompt either claims the pending row minted at shell
// startup or, failing that, creates the session outright.
func (h *Handler) handlePrompt(e UserPromptSubmitted) error {
	if e.SessionID == "" {
		return errors.New("track: prompt without session id")
	}
	if e.Prompt == "" {
		return nil
	}

	row, err := h.Store.GetSession(e.SessionID)
	if err == nil {
		if _, err := h.Store.ResolveDecisions(e.SessionID); err != nil {
			return err
		}
		if err := h.Store.AppendEvent(e.SessionID, "user_input", truncateRunes(e.Prompt, promptEventMax), nil); err != nil {
			return err
		}
		if ParseStatus(row.Status) != StatusWorking {
			return h.Store.UpdateStatus(e.SessionID, string(StatusWorking))
		}
		return nil
	}
	if !errors.Is(err, statedb.ErrNotFound) {
		return err
	}

	goal := truncateRunes(e.Prompt, promptEventMax)
	if e.PendingID != "" {
		if _, err := h.Store.LinkPending(e.PendingID, e.SessionID, goal); err == nil {
			return nil
		} else if !errors.Is(err, statedb.ErrNotFound) {
			return err
		}
		h.Log.Debug("pending row missing, creating session directly",
			"pending_id", e.PendingID, "session_id", e.SessionID)
	}

	_, err = h.Store.CreateSession(e.SessionID, projectPath(e.CWD), goal, h.AccountAlias, h.Terminal)
	return err
}

func (h *Handler) handlePreTool(e PreToolUse) error {
	row, err := h.Store.GetSession(e.SessionID)
	if errors.Is(err, statedb.ErrNotFound) {
		h.Log.Debug("pre-tool for unknown session", "session_id", e.SessionID)
		return nil
	}
	if err != nil {
		return err
	}
	if next, changed := NextOnPreTool(ParseStatus(row.Status)); changed {
		return h.Store.UpdateStatus(e.SessionID, string(next))
	}
	return nil
}

func (h *Handler) handlePostTool(e PostToolUse) ([]notify.Input, error) {
	row, err := h.Store.GetSession(e.SessionID)
	if errors.Is(err, statedb.ErrNotFound) {
		h.Log.Debug("post-tool for unknown session", "session_id", e.SessionID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if ResumesOnPostTool(ParseStatus(row.Status)) {
		if err := h.Store.UpdateStatus(e.SessionID, string(StatusWorking)); err != nil {
			return nil, err
		}
	}

	switch e.ToolName {
	case "TodoWrite":
		return nil, h.applyTodos(e)
	case "AskUserQuestion":
		return h.applyQuestion(row, e)
	}
	return nil, nil
}

// applyTodos records the updated to-do list and the status it implies.
func (h *Handler) applyTodos(e PostToolUse) error {
	raw := todosFromTool(e.ToolInput, e.ToolResponse)
	if raw == nil {
		return nil
	}
	var todos []Todo
	if err := json.Unmarshal(raw, &todos); err != nil {
		h.Log.Warn("unparseable todo list", "session_id", e.SessionID, "error", err)
		return nil
	}

	completed, total := CountTodos(todos)
	if err := h.Store.UpdateProgress(e.SessionID, raw, completed, total); err != nil {
		return err
	}
	if next, ok := NextOnTodos(todos); ok {
		return h.Store.UpdateStatus(e.SessionID, string(next))
	}
	return nil
}

// applyQuestion records the agent's question and blocks the session on it.
func (h *Handler) applyQuestion(row *statedb.SessionRow, e PostToolUse) ([]notify.Input, error) {
	question, options := parseQuestion(e.ToolInput)
	if question == "" {
		return nil, nil
	}
	optionsJSON, _ := json.Marshal(options)

	if _, err := h.Store.AddDecision(e.SessionID, question, optionsJSON, ""); err != nil {
		return nil, err
	}
	if err := h.Store.UpdateStatus(e.SessionID, string(StatusWaitingForUser)); err != nil {
		return nil, err
	}
	return []notify.Input{{
		Kind:         notify.KindDecisionNeeded,
		SessionID:    e.SessionID,
		Project:      row.Project,
		AccountAlias: row.AccountAlias,
		Goal:         row.OriginalGoal,
		Question:     question,
		Options:      options,
	}}, nil
}

func (h *Handler) handleNotification(e Notification) ([]notify.Input, error) {
	row, err := h.Store.GetSession(e.SessionID)
	if errors.Is(err, statedb.ErrNotFound) {
		h.Log.Debug("notification for unknown session",
			"session_id", e.SessionID, "type", e.NotificationType)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	base := notify.Input{
		SessionID:    e.SessionID,
		Project:      row.Project,
		AccountAlias: row.AccountAlias,
		Goal:         row.OriginalGoal,
		Message:      e.Message,
	}

	switch e.NotificationType {
	case "idle_prompt":
		if err := h.Store.UpdateStatus(e.SessionID, string(StatusIdle)); err != nil {
			return nil, err
		}
		base.Kind = notify.KindIdle
		return []notify.Input{base}, nil

	case "permission_prompt":
		if err := h.Store.UpdateStatus(e.SessionID, string(StatusWaitingPermission)); err != nil {
			return nil, err
		}
		base.Kind = notify.KindPermissionNeeded
		return []notify.Input{base}, nil

	case "elicitation_dialog":
		if err := h.Store.UpdateStatus(e.SessionID, string(StatusWaitingForUser)); err != nil {
			return nil, err
		}
		base.Kind = notify.KindWaitingForUser
		return []notify.Input{base}, nil

	case "auth_success":
		h.Log.Info("authentication succeeded", "session_id", e.SessionID)
		return nil, nil

	default:
		if e.Message == "" {
			return nil, nil
		}
		base.Kind = notify.KindGeneric
		return []notify.Input{base}, nil
	}
}

func (h *Handler) handlePermission(e PermissionRequest) error {
	if _, err := h.Store.GetSession(e.SessionID); errors.Is(err, statedb.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := h.Store.AppendEvent(e.SessionID, "permission_request", e.ToolName, nil); err != nil {
		return err
	}
	return h.Store.UpdateStatus(e.SessionID, string(StatusWaitingPermission))
}

func (h *Handler) handleSubagentStart(e SubagentStart) error {
	if _, err := h.Store.GetSession(e.SessionID); errors.Is(err, statedb.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	content := e.AgentName
	if content == "" {
		content = "subagent"
	}
	if err := h.Store.AppendEvent(e.SessionID, "subagent_start", content, nil); err != nil {
		return err
	}
	return h.Store.UpdateStatus(e.SessionID, string(StatusSubagentWorking))
}

func (h *Handler) handleSubagentStop(e SubagentStop) error {
	row, err := h.Store.GetSession(e.SessionID)
	if errors.Is(err, statedb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	content := e.AgentName
	if content == "" {
		content = "subagent"
	}
	if err := h.Store.AppendEvent(e.SessionID, "subagent_stop", content, nil); err != nil {
		return err
	}
	if ParseStatus(row.Status) == StatusSubagentWorking {
		return h.Store.UpdateStatus(e.SessionID, string(StatusWorking))
	}
	return nil
}

// handleStop runs when the agent finishes a turn. It checks the transcript
// tail for a rate limit, otherwise snapshots the conversation, summarizes
// it, and settles the session into idle or waiting_for_user.
func (h *Handler) handleStop(ctx context.Context, e Stop) ([]notify.Input, error) {
	row, err := h.Store.GetSession(e.SessionID)
	if errors.Is(err, statedb.ErrNotFound) {
		h.Log.Debug("stop for unknown session", "session_id", e.SessionID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	records, err := transcript.Tail(e.TranscriptPath, snapshotTailLines)
	if err != nil {
		h.Log.Warn("transcript read failed", "path", e.TranscriptPath, "error", err)
	}

	tail := records
	if len(tail) > transcript.RateLimitTailLen {
		tail = tail[len(tail)-transcript.RateLimitTailLen:]
	}
	if limited, keyword := transcript.DetectRateLimit(tail); limited {
		if err := h.Store.UpdateStatus(e.SessionID, string(StatusRateLimited)); err != nil {
			return nil, err
		}
		return []notify.Input{{
			Kind:         notify.KindRateLimited,
			SessionID:    e.SessionID,
			Project:      row.Project,
			AccountAlias: row.AccountAlias,
			Goal:         row.OriginalGoal,
			Message:      "Hit a rate limit (" + keyword + "). Waiting it out.",
		}}, nil
	}

	lastUser := transcript.LastMessage(records, "user")
	if lastUser == "" {
		lastUser, _ = h.Store.LatestUserInput(e.SessionID)
	}
	lastAssistant := transcript.LastMessage(records, "assistant")

	sc := summary.Context{
		OriginalGoal:         row.OriginalGoal,
		LastUserMessage:      lastUser,
		LastAssistantMessage: lastAssistant,
	}

	todosRaw := transcript.LatestTodos(records)
	if todosRaw == nil {
		if p, err := h.Store.GetProgress(e.SessionID); err == nil {
			todosRaw = p.Todos
		}
	}
	var todos []Todo
	if todosRaw != nil {
		if err := json.Unmarshal(todosRaw, &todos); err == nil {
			fillTodoContext(&sc, todos)
		}
	}

	decisions, err := h.Store.Decisions(e.SessionID)
	if err != nil {
		return nil, err
	}
	var question string
	var options []string
	if len(decisions) > 0 {
		question = decisions[0].Question
		sc.PendingQuestion = question
		_ = json.Unmarshal(decisions[0].Options, &options)
	}

	sum := h.Summarizer.Summarize(ctx, sc)
	sumJSON, _ := json.Marshal(sum)
	if err := h.Store.SaveSnapshot(e.SessionID, lastUser, lastAssistant, sumJSON); err != nil {
		return nil, err
	}

	round, err := h.Store.RoundCount(e.SessionID)
	if err != nil {
		return nil, err
	}

	out := notify.Input{
		SessionID:    e.SessionID,
		Project:      row.Project,
		AccountAlias: row.AccountAlias,
		Round:        round,
		Goal:         row.OriginalGoal,
		Question:     question,
		Options:      options,
		Summary:      &sum,
	}

	// The session settles into idle; an open question travels in the
	// notification, not the status. Terminal states stay put.
	if !ParseStatus(row.Status).Terminal() {
		if err := h.Store.UpdateStatus(e.SessionID, string(StatusIdle)); err != nil {
			return nil, err
		}
	}

	switch {
	case question != "":
		out.Kind = notify.KindDecisionNeeded
	case ParseStatus(row.Status) == StatusCompleted || (sc.Total > 0 && sc.Completed == sc.Total):
		out.Kind = notify.KindCompleted
	default:
		out.Kind = notify.KindIdle
	}
	return []notify.Input{out}, nil
}

// handleCleanup completes whatever identity the caller still has. The
// fallbacks exist because a dying shell may know only its own pid.
func (h *Handler) handleCleanup(e SessionCleanup) error {
	switch {
	case e.SessionID != "":
		_, err := h.Store.CompleteSession(e.SessionID)
		return err
	case e.PendingID != "":
		_, err := h.Store.CompletePending(e.PendingID)
		return err
	case e.ShellPID > 0:
		_, err := h.Store.CompleteByShellPID(e.ShellPID)
		return err
	default:
		_, err := h.Store.CompleteActive()
		return err
	}
}

// fillTodoContext derives the summary fields from a parsed todo list.
func fillTodoContext(sc *summary.Context, todos []Todo) {
	sc.Completed, sc.Total = CountTodos(todos)
	for _, t := range todos {
		mark := " "
		switch t.Status {
		case "completed":
			mark = "x"
		case "in_progress":
			mark = ">"
			if sc.InProgressTask == "" {
				sc.InProgressTask = t.Content
			}
		}
		if sc.NextTask == "" && t.Status != "completed" {
			sc.NextTask = t.Content
		}
		sc.TodoLines = append(sc.TodoLines, "- ["+mark+"] "+t.Content)
	}
}

// todosFromTool returns the raw todo array from a TodoWrite call, preferring
// the input (the authoritative new list) over the response echo.
func todosFromTool(input, response json.RawMessage) json.RawMessage {
	extract := func(raw json.RawMessage) json.RawMessage {
		if len(raw) == 0 {
			return nil
		}
		var wrapper struct {
			Todos json.RawMessage `json:"todos"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil
		}
		return wrapper.Todos
	}
	if t := extract(input); t != nil {
		return t
	}
	return extract(response)
}

// parseQuestion pulls the first question and its option labels out of an
// AskUserQuestion tool input. Options may be plain strings or objects with
// a label field.
func parseQuestion(input json.RawMessage) (string, []string) {
	if len(input) == 0 {
		return "", nil
	}
	var wrapper struct {
		Questions []struct {
			Question string            `json:"question"`
			Options  []json.RawMessage `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(input, &wrapper); err != nil || len(wrapper.Questions) == 0 {
		return "", nil
	}

	q := wrapper.Questions[0]
	var options []string
	for _, raw := range q.Options {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			options = append(options, s)
			continue
		}
		var obj struct {
			Label string `json:"label"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Label != "" {
			options = append(options, obj.Label)
		}
	}
	return strings.TrimSpace(q.Question), options
}

// projectPath keeps the full working directory as the project key so two
// checkouts with the same basename never collide. Display layers shorten it.
func projectPath(cwd string) string {
	if cwd == "" {
		return "unknown"
	}
	return cwd
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
