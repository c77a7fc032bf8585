// Package timeline compresses a session's append-only event log into a
// bounded sequence of display-ready milestone nodes. Aggregate is a pure
// fold over the ordered log: replaying the same log always yields identical
// output, so results are trivially testable and cacheable.
package timeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the timeline table.
const (
	EventGoalSet        = "goal_set"
	EventUserInput      = "user_input"
	EventStatusChange   = "status_change"
	EventProgressUpdate = "progress_update"
	EventPermission     = "permission_request"
	EventSubagentStart  = "subagent_start"
	EventSubagentStop   = "subagent_stop"
)

// Node kinds emitted by aggregation.
const (
	NodeStart      = "start"
	NodeWaiting    = "waiting"
	NodePermission = "permission"
	NodeMilestone  = "milestone"
	NodeComplete   = "complete"
)

// Node states: all nodes are "completed" except the last non-complete node,
// which is "current".
const (
	StateCompleted = "completed"
	StateCurrent   = "current"
)

// Event is one decoded timeline row.
type Event struct {
	Type      string
	Content   string
	Metadata  json.RawMessage
	Timestamp time.Time
}

// Node is one UI milestone.
type Node struct {
	Time        string `json:"time"` // HH:MM
	Kind        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"status"`
}

// statusDebounce suppresses status_change nodes that land too close to the
// previous emitted status_change.
const statusDebounce = 30 * time.Second

// milestoneThreshold is how many newly completed items accumulate before a
// milestone node is emitted.
const milestoneThreshold = 3

type progressMeta struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Aggregate folds the ordered event log into at most maxNodes display nodes.
func Aggregate(events []Event, maxNodes int) []Node {
	if len(events) == 0 {
		return nil
	}

	var nodes []Node
	var lastStatusTime time.Time
	haveStatus := false
	consecutiveProgress := 0
	lastCompleted := 0
	lastStatus := ""

	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			continue
		}

		// Debounce: drop status changes within 30s of the previous emitted
		// status change.
		if ev.Type == EventStatusChange && haveStatus &&
			ev.Timestamp.Sub(lastStatusTime) < statusDebounce {
			continue
		}

		var node *Node

		switch ev.Type {
		case EventGoalSet:
			desc := truncate(ev.Content, 50)
			if desc == "" {
				desc = "Task started"
			}
			node = &Node{
				Time:        ev.Timestamp.Format("15:04"),
				Kind:        NodeStart,
				Title:       "Task started",
				Description: desc,
				State:       StateCompleted,
			}

		case EventStatusChange:
			if ev.Content == lastStatus {
				continue
			}
			lastStatus = ev.Content

			switch ev.Content {
			case "waiting_for_user":
				node = &Node{
					Time:        ev.Timestamp.Format("15:04"),
					Kind:        NodeWaiting,
					Title:       "Waiting for decision",
					Description: "User input needed",
					State:       StateCurrent,
				}
			case "waiting_permission":
				node = &Node{
					Time:        ev.Timestamp.Format("15:04"),
					Kind:        NodePermission,
					Title:       "Waiting for permission",
					Description: "Permission approval needed",
					State:       StateCurrent,
				}
			case "completed":
				node = &Node{
					Time:        ev.Timestamp.Format("15:04"),
					Kind:        NodeComplete,
					Title:       "Task completed",
					Description: "All steps finished",
					State:       StateCompleted,
				}
			}

		case EventProgressUpdate:
			var meta progressMeta
			if len(ev.Metadata) > 0 {
				_ = json.Unmarshal(ev.Metadata, &meta)
			}

			if meta.Completed > lastCompleted {
				consecutiveProgress += meta.Completed - lastCompleted
			}
			lastCompleted = meta.Completed

			if consecutiveProgress >= milestoneThreshold {
				node = &Node{
					Time:        ev.Timestamp.Format("15:04"),
					Kind:        NodeMilestone,
					Title:       "Milestone reached",
					Description: fmt.Sprintf("%d/%d items done", meta.Completed, meta.Total),
					State:       StateCompleted,
				}
				consecutiveProgress = 0
			}

			// A fully completed list ends the timeline regardless of the
			// running milestone counter.
			if meta.Total > 0 && meta.Completed == meta.Total {
				node = &Node{
					Time:        ev.Timestamp.Format("15:04"),
					Kind:        NodeComplete,
					Title:       "All items completed",
					Description: fmt.Sprintf("All %d items finished", meta.Total),
					State:       StateCompleted,
				}
			}
		}

		if node != nil {
			nodes = append(nodes, *node)
			if ev.Type == EventStatusChange {
				lastStatusTime = ev.Timestamp
				haveStatus = true
			}
		}
	}

	// Only the latest node may be "current"; anything a later node
	// superseded is settled.
	for i := range nodes {
		nodes[i].State = StateCompleted
	}
	if len(nodes) > 0 && nodes[len(nodes)-1].Kind != NodeComplete {
		nodes[len(nodes)-1].State = StateCurrent
	}

	if maxNodes > 0 && len(nodes) > maxNodes {
		nodes = nodes[len(nodes)-maxNodes:]
	}
	return nodes
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
