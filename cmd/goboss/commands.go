package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/boss"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/config"
	"github.com/basket/go-boss/internal/coordinator"
	"github.com/basket/go-boss/internal/persistence"
	"github.com/basket/go-boss/internal/task"
)

// runReportCommand prints the board report recorded in the journal.
func runReportCommand(ctx context.Context, out io.Writer, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goboss report")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		fmt.Fprintf(os.Stderr, "no journal at %s\n", cfg.DBPath)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := store.Report(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		return 1
	}
	fmt.Fprint(out, report.String())
	return 0
}

// runValidateCommand loads config.yaml and every collaborator file without
// building any boss.
func runValidateCommand(out io.Writer, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goboss validate")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if cfg.NeedsGenesis {
		fmt.Fprintf(os.Stderr, "config: %s does not exist\n", config.ConfigPath(cfg.HomeDir))
		return 1
	}
	collab, err := config.LoadCollaborators(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collaborators: %v\n", err)
		return 1
	}
	bosses := 0
	cfg.Boss.Walk(func(*config.BossConfig) { bosses++ })
	fmt.Fprintf(out, "config ok: %d bosses, %d humans, %d dsp servers, %d mcp tools, %d schedules\n",
		bosses, len(collab.Humans), len(collab.DSP), len(collab.ToolNames()), len(cfg.Schedules))
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: goboss status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.Gateway.BindAddr)
	healthURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

const demoHumanResponse = "approved (demo)"

// runDemo submits one task to the root, one to each child and, when a roster
// exists, one to the first human, answering it on the human's behalf. It
// prints the board report once every task is terminal.
func runDemo(ctx context.Context, out io.Writer, root *boss.Boss, eventBus *bus.Bus, humans []assignee.Human) int {
	const window = 2 * time.Minute
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var ids []string
	submit := func(description string, ref task.AssigneeRef, opts ...boss.SubmitOption) string {
		opts = append(opts, boss.WithCreatedBy("demo"))
		id, err := root.SubmitTask(ctx, description, ref, opts...)
		if err != nil {
			fmt.Fprintf(out, "submit %s: %v\n", ref, err)
			return ""
		}
		ids = append(ids, id)
		return id
	}

	submit("Summarize the state of the board", task.SubBoss(root.ID()), boss.WithTitle("Board summary"))
	for _, child := range root.Children() {
		submit("Report progress for "+child.Name(), task.SubBoss(child.ID()), boss.WithTitle("Progress from "+child.ID()))
	}
	if len(humans) > 0 {
		h := humans[0]
		// A human task awaits its response as soon as it is submitted.
		id := submit("Approve the demo plan", task.HumanAgent(h.ID),
			boss.WithTitle("Approval from "+h.Name), boss.WithHumanTimeout(time.Minute))
		if id != "" {
			if err := root.RespondAsHuman(ctx, id, demoHumanResponse); err != nil {
				fmt.Fprintf(out, "respond %s: %v\n", id, err)
			}
		}
	}

	results, err := coordinator.NewWaiter(eventBus, root).WaitForAll(ctx, ids, window)
	if err != nil {
		fmt.Fprintf(out, "wait: %v\n", err)
	}
	failed := len(ids) - len(results)
	for _, id := range ids {
		if r, ok := results[id]; ok && r.Status != task.StatusCompleted {
			fmt.Fprintf(out, "task %s ended %s: %s\n", id, r.Status, r.Summary)
			failed++
		}
	}
	fmt.Fprint(out, root.Report().String())
	if failed > 0 {
		return 1
	}
	return 0
}
