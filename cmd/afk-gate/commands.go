package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/afk-gate/internal/app"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/gateway"
	"github.com/codex-k8s/afk-gate/internal/idempotency"
	"github.com/codex-k8s/afk-gate/internal/mcpserver"
	"github.com/codex-k8s/afk-gate/internal/protocol"
	"github.com/codex-k8s/afk-gate/internal/rules"
)

const (
	version        = "0.1.0"
	resolvedByCLI  = "user:cli"
	promptCacheTTL = 10 * time.Minute
	promptCacheMax = 1024
	timeLayout     = "2006-01-02 15:04:05"
)

// writeHookFailure answers a hook with deny when the engine cannot decide.
func writeHookFailure(w io.Writer, err error) {
	out := protocol.NewHookOutput("", protocol.DecisionDeny, fmt.Sprintf("afk-gate unavailable: %v", err))
	_ = json.NewEncoder(w).Encode(out)
}

func writeHook(w io.Writer, event, decision, reason string) error {
	return json.NewEncoder(w).Encode(protocol.NewHookOutput(event, decision, reason))
}

func (c *cli) hook(ctx context.Context, _ []string) error {
	raw, err := io.ReadAll(c.stdin)
	if err != nil {
		writeHookFailure(c.stdout, err)
		return fmt.Errorf("read hook input: %w", err)
	}
	in, err := protocol.ParseHookInput(raw)
	if err != nil {
		c.logger.Warn("hook input rejected", "error", err)
		return writeHook(c.stdout, "", protocol.DecisionAsk, "afk-gate could not parse the tool call")
	}

	d, err := c.open(ctx)
	if err != nil {
		writeHookFailure(c.stdout, err)
		return err
	}
	defer d.close()

	decision, err := d.gateway.RequestApproval(ctx, gateway.Call{
		SessionID:   in.SessionID,
		ToolName:    in.ToolName,
		ToolInput:   in.Input(),
		Context:     in.Context(),
		Description: in.Description(),
		ProjectPath: in.Project(),
	})
	if err != nil {
		fmt.Fprintf(c.stderr, "afk-gate: %v\n", err)
		writeHookFailure(c.stdout, err)
		return err
	}

	answer := protocol.DecisionDeny
	if decision.Approved() {
		answer = protocol.DecisionAllow
	}
	return writeHook(c.stdout, in.HookEventName, answer, decision.Reason)
}

func (c *cli) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	transport := fs.String("transport", c.cfg.MCPTransport, "stdio or http")
	listen := fs.String("listen", c.cfg.MCPListen, "HTTP listen address")
	session := fs.String("session", "", "session id reported for every call")
	project := fs.String("project", "", "project path reported for every call")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	if err := c.startMaintenance(ctx, d); err != nil {
		return err
	}

	server := mcpserver.Builder{
		Version:     version,
		Approver:    d.gateway,
		Cache:       idempotency.NewPromptCache(promptCacheTTL, promptCacheMax),
		SessionID:   *session,
		ProjectPath: *project,
		Logger:      c.logger,
	}.Build()

	switch *transport {
	case "stdio":
		return server.Run(ctx, &mcp.StdioTransport{})
	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return server
		}, nil)
		application, err := app.New(ctx, app.Options{
			Listen:          *listen,
			Path:            c.cfg.MCPPath,
			Handler:         handler,
			Ready:           d.store.Ping,
			Logger:          c.logger,
			ShutdownTimeout: c.cfg.ShutdownTimeout,
		})
		if err != nil {
			return err
		}
		return application.Run(ctx)
	default:
		return fmt.Errorf("unknown transport %q", *transport)
	}
}

func (c *cli) poll(ctx context.Context, _ []string) error {
	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	if d.poller == nil {
		return errors.New("poll needs AFK_TELEGRAM_TOKEN and AFK_TELEGRAM_CHAT_ID")
	}
	if err := c.startMaintenance(ctx, d); err != nil {
		return err
	}
	c.logger.Info("poller started", "lock", c.cfg.LockPath())
	return d.poller.Run(ctx)
}

func (c *cli) startMaintenance(ctx context.Context, d *deps) error {
	m, err := c.maintainer(d)
	if err != nil {
		return err
	}
	m.Start(ctx)
	return nil
}

func (c *cli) maintain(ctx context.Context, _ []string) error {
	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	m, err := c.maintainer(d)
	if err != nil {
		return err
	}
	report, err := m.RunOnce(ctx)
	fmt.Fprintf(c.stdout, "idle sessions: %d\npruned audit: %d\nexpired: %d\norphan chains: %d\n",
		report.IdleSessions, report.PrunedAudit, report.Expired, report.OrphanChains)
	return err
}

func (c *cli) rules(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("rules: expected list, add, remove, presets, preset or import")
	}
	if args[0] == "presets" {
		presets, err := rules.Presets()
		if err != nil {
			return err
		}
		tw := c.table("NAME", "EXTENDS", "DESCRIPTION")
		for _, p := range presets {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Extends, p.Description)
		}
		return tw.Flush()
	}

	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	switch args[0] {
	case "list":
		list, err := d.rules.List(ctx)
		if err != nil {
			return err
		}
		tw := c.table("ID", "PATTERN", "ACTION", "PRIORITY", "ORIGIN")
		for _, r := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.ID, r.Pattern, r.Action, r.Priority, r.Origin)
		}
		return tw.Flush()
	case "add":
		fs := flag.NewFlagSet("rules add", flag.ContinueOnError)
		fs.SetOutput(c.stderr)
		priority := fs.Int("priority", 0, "higher priority rules match first")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errors.New("usage: rules add [-priority N] <pattern> <approve|deny>")
		}
		id, created, err := d.rules.Add(ctx, fs.Arg(0), fs.Arg(1), *priority, constants.OriginCLI)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(c.stdout, "rule already exists: %d\n", id)
			return nil
		}
		fmt.Fprintf(c.stdout, "rule added: %d\n", id)
		return nil
	case "remove":
		if len(args) != 2 {
			return errors.New("usage: rules remove <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rule id %q: %w", args[1], err)
		}
		return d.rules.Remove(ctx, id)
	case "preset":
		if len(args) != 2 {
			return errors.New("usage: rules preset <name>")
		}
		added, skipped, err := d.rules.LoadPreset(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "added %d, skipped %d\n", added, skipped)
		return nil
	case "import":
		if len(args) != 2 {
			return errors.New("usage: rules import <file.yaml>")
		}
		added, skipped, err := d.rules.Import(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "added %d, skipped %d\n", added, skipped)
		return nil
	default:
		return fmt.Errorf("unknown rules command %q", args[0])
	}
}

func (c *cli) pending(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	recent := fs.Int("recent", 0, "show the N most recent requests of any status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	list, err := d.store.PendingRequests(ctx)
	if *recent > 0 {
		list, err = d.store.RecentRequests(ctx, *recent)
	}
	if err != nil {
		return err
	}
	tw := c.table("ID", "SESSION", "STATUS", "CALL", "CREATED", "RESOLVED BY")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.SessionID, r.Status,
			shorten(rules.FormatToolCall(r.ToolName, r.ToolInput), 60),
			r.CreatedAt.Local().Format(timeLayout), r.ResolvedBy)
	}
	return tw.Flush()
}

func (c *cli) resolve(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: resolve <request-id> <approve|deny> [reason]")
	}
	action := args[1]
	if action != constants.ActionApprove && action != constants.ActionDeny {
		return fmt.Errorf("invalid action %q", action)
	}
	reason := strings.Join(args[2:], " ")

	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	changed, err := d.lifecycle.Resolve(ctx, args[0], constants.StatusFor(action), resolvedByCLI, reason)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintln(c.stdout, "already resolved")
		return nil
	}
	fmt.Fprintf(c.stdout, "%s: %s\n", args[0], constants.StatusFor(action))
	return nil
}

func (c *cli) sessions(ctx context.Context, _ []string) error {
	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	list, err := d.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	tw := c.table("ID", "STATUS", "PROJECT", "LAST SEEN")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.ProjectPath, s.LastSeenAt.Local().Format(timeLayout))
	}
	return tw.Flush()
}

func (c *cli) audit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	session := fs.String("session", "", "filter by session id")
	limit := fs.Int("limit", 50, "maximum entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	entries, err := d.store.ListAudit(ctx, *session, *limit)
	if err != nil {
		return err
	}
	tw := c.table("TIME", "KIND", "SESSION", "DETAIL")
	for _, e := range entries {
		detail, _ := json.Marshal(e.Detail)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(timeLayout), e.Kind, e.SessionID, detail)
	}
	return tw.Flush()
}

func (c *cli) table(headers ...string) *tabwriter.Writer {
	out := c.stdout
	if out == nil {
		out = os.Stdout
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
