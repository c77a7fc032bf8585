package track

// Status is the closed set of session lifecycle states. Unrecognized
// host-supplied strings map to StatusUnknown rather than being coerced.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusWorking           Status = "working"
	StatusExecutingTool     Status = "executing_tool"
	StatusWaitingForUser    Status = "waiting_for_user"
	StatusWaitingPermission Status = "waiting_permission"
	StatusSubagentWorking   Status = "subagent_working"
	StatusRateLimited       Status = "rate_limited"
	StatusCompleted         Status = "completed"
	StatusUnknown           Status = "unknown"
)

// ParseStatus maps a stored status string onto the closed enumeration.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusIdle, StatusWorking, StatusExecutingTool, StatusWaitingForUser,
		StatusWaitingPermission, StatusSubagentWorking, StatusRateLimited,
		StatusCompleted:
		return Status(s)
	}
	return StatusUnknown
}

// Terminal reports whether cleanup sweeps treat the status as final.
// rate_limited is only suspended (a new tool execution resumes it), but
// cleanup paths must not touch it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRateLimited
}

// NextOnPreTool returns the status after a "tool about to run" hook.
// Only working/executing_tool advance; any more specific blocking state is
// deliberately left unchanged so it is not masked.
func NextOnPreTool(cur Status) (Status, bool) {
	if cur == StatusWorking || cur == StatusExecutingTool {
		return StatusExecutingTool, cur != StatusExecutingTool
	}
	return cur, false
}

// ResumesOnPostTool reports whether a finished tool resolves a blocking
// condition: continued execution proves permission was granted, the user
// answered, or a rate limit lifted.
func ResumesOnPostTool(cur Status) bool {
	switch cur {
	case StatusWaitingPermission, StatusWaitingForUser, StatusIdle, StatusRateLimited:
		return true
	}
	return false
}

// Todo is one item of the structured to-do list reported by the agent.
type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"` // pending, in_progress, completed
	ActiveForm string `json:"activeForm,omitempty"`
}

// CountTodos returns completed and total counts. An empty list is 0/0.
func CountTodos(todos []Todo) (completed, total int) {
	for _, t := range todos {
		if t.Status == "completed" {
			completed++
		}
	}
	return completed, len(todos)
}

// NextOnTodos derives the status implied by an updated to-do list: any
// in-progress item means work continues; a non-empty fully completed list
// finishes the session. Otherwise no transition.
func NextOnTodos(todos []Todo) (Status, bool) {
	inProgress := false
	for _, t := range todos {
		if t.Status == "in_progress" {
			inProgress = true
			break
		}
	}
	if inProgress {
		return StatusWorking, true
	}
	completed, total := CountTodos(todos)
	if total > 0 && completed == total {
		return StatusCompleted, true
	}
	return "", false
}
