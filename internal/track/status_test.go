package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusWorking, ParseStatus("working"))
	assert.Equal(t, StatusRateLimited, ParseStatus("rate_limited"))
	assert.Equal(t, StatusUnknown, ParseStatus("garbage"))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusRateLimited.Terminal())
	assert.False(t, StatusIdle.Terminal())
	assert.False(t, StatusWaitingForUser.Terminal())
}

func TestNextOnPreTool(t *testing.T) {
	next, changed := NextOnPreTool(StatusWorking)
	assert.Equal(t, StatusExecutingTool, next)
	assert.True(t, changed)

	// Already executing: no redundant transition.
	next, changed = NextOnPreTool(StatusExecutingTool)
	assert.Equal(t, StatusExecutingTool, next)
	assert.False(t, changed)

	// Blocking states are never masked by a tool start.
	for _, s := range []Status{StatusWaitingForUser, StatusWaitingPermission, StatusIdle, StatusRateLimited} {
		next, changed = NextOnPreTool(s)
		assert.Equal(t, s, next, "status %s", s)
		assert.False(t, changed, "status %s", s)
	}
}

func TestResumesOnPostTool(t *testing.T) {
	assert.True(t, ResumesOnPostTool(StatusWaitingPermission))
	assert.True(t, ResumesOnPostTool(StatusWaitingForUser))
	assert.True(t, ResumesOnPostTool(StatusIdle))
	assert.True(t, ResumesOnPostTool(StatusRateLimited))
	assert.False(t, ResumesOnPostTool(StatusWorking))
	assert.False(t, ResumesOnPostTool(StatusCompleted))
}

func TestCountTodos(t *testing.T) {
	completed, total := CountTodos(nil)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, total)

	todos := []Todo{
		{Content: "a", Status: "completed"},
		{Content: "b", Status: "in_progress"},
		{Content: "c", Status: "pending"},
	}
	completed, total = CountTodos(todos)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 3, total)
}

func TestNextOnTodos(t *testing.T) {
	// In-progress wins even when everything else is done.
	next, ok := NextOnTodos([]Todo{
		{Status: "completed"}, {Status: "in_progress"},
	})
	assert.True(t, ok)
	assert.Equal(t, StatusWorking, next)

	// All done finishes the session.
	next, ok = NextOnTodos([]Todo{{Status: "completed"}, {Status: "completed"}})
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, next)

	// Empty list implies nothing.
	_, ok = NextOnTodos(nil)
	assert.False(t, ok)

	// Only pending items: no transition either.
	_, ok = NextOnTodos([]Todo{{Status: "pending"}})
	assert.False(t, ok)
}
