package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/codex-k8s/afk-gate/internal/config"
	"github.com/codex-k8s/afk-gate/internal/log"
)

const usage = `usage: afk-gate <command> [flags]

commands:
  hook                 answer a PreToolUse hook read from stdin
  serve                run the MCP approval_prompt server
  poll                 drain decisions as a standalone poller
  rules <sub>          list | add | remove | presets | preset | import
  pending [-recent N]  list pending (or recent) requests
  resolve <id> <action> [reason]
  sessions             list sessions
  audit                list audit entries
  maintain             run one maintenance sweep
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		if args[0] == "hook" {
			writeHookFailure(stdout, err)
		}
		return 1
	}
	logger := log.New(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer cancel()

	c := &cli{cfg: cfg, logger: logger, stdin: stdin, stdout: stdout, stderr: stderr}
	var runErr error
	switch args[0] {
	case "hook":
		runErr = c.hook(ctx, args[1:])
	case "serve":
		runErr = c.serve(ctx, args[1:])
	case "poll":
		runErr = c.poll(ctx, args[1:])
	case "rules":
		runErr = c.rules(ctx, args[1:])
	case "pending":
		runErr = c.pending(ctx, args[1:])
	case "resolve":
		runErr = c.resolve(ctx, args[1:])
	case "sessions":
		runErr = c.sessions(ctx, args[1:])
	case "audit":
		runErr = c.audit(ctx, args[1:])
	case "maintain":
		runErr = c.maintain(ctx, args[1:])
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if runErr != nil {
		logger.Error("command failed", "command", args[0], "error", runErr)
		return 1
	}
	return 0
}
