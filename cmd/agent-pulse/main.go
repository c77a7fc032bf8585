package main

import (
	"fmt"
	"os"

	"github.com/asheshgoplani/agent-pulse/internal/config"
	"github.com/asheshgoplani/agent-pulse/internal/logging"
)

const Version = "0.3.1"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("Agent Pulse v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "hook":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: agent-pulse hook <event>")
			os.Exit(1)
		}
		runHook(args[1])
	case "list", "ls":
		handleList(args[1:])
	case "sweep":
		handleSweep(args[1:])
	case "watch":
		handleWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// initLogging wires the global logger from user config. CLI commands log to
// the same rotating file hooks do; stdout stays clean for command output.
func initLogging(cfg config.Config) {
	logging.Init(logging.Config{
		LogDir:     config.LogDir(),
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

func printHelp() {
	fmt.Print(`Agent Pulse - coding agent session tracker

Usage:
  agent-pulse hook <event>     Process one hook invocation (JSON on stdin)
  agent-pulse list             List active sessions
  agent-pulse sweep            Delete old completed sessions
  agent-pulse watch            Keep state/all_sessions.json in sync
  agent-pulse version          Print version

Hook events:
  session-init, prompt, pre-tool, post-tool, notification,
  permission, subagent-start, subagent-stop, stop, cleanup

Data lives under $AGENT_PULSE_DIR (default ~/.agent-pulse).
`)
}
