package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-boss/internal/agentic"
	"github.com/basket/go-boss/internal/boss"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/config"
	"github.com/basket/go-boss/internal/cron"
	"github.com/basket/go-boss/internal/notify"
	otelPkg "github.com/basket/go-boss/internal/otel"
	"github.com/basket/go-boss/internal/persistence"
	"github.com/basket/go-boss/internal/task"
)

// treeDeps are shared by every boss in the tree.
type treeDeps struct {
	Bus          *bus.Bus
	Journal      boss.Journal
	Sink         notify.Sink
	Logger       *slog.Logger
	Metrics      *otelPkg.Metrics
	Tracer       trace.Tracer
	HistoryLimit int

	// generator builds the model client for a DSP server. Tests replace it.
	generator func(ctx context.Context, dsp config.DSPServer) (agentic.Generator, string, error)
}

type generatorEntry struct {
	gen   agentic.Generator
	model string
}

// buildTree constructs the boss described by cfg.Boss and its descendants.
// On error every boss built so far is stopped.
func buildTree(ctx context.Context, cfg config.Config, collab config.Collaborators, deps treeDeps) (*boss.Boss, error) {
	if deps.generator == nil {
		deps.generator = agentic.NewGenkitGenerator
	}
	generators := map[string]generatorEntry{}

	agentFor := func(bc config.BossConfig) (agentic.Agent, error) {
		dsp, ok := collab.DSPServer(bc.DSPServer)
		if !ok {
			// No model server configured: deterministic built-in agent.
			return nil, nil
		}
		entry, ok := generators[dsp.Name]
		if !ok {
			gen, model, err := deps.generator(ctx, dsp)
			if err != nil {
				return nil, fmt.Errorf("boss %s: %w", bc.ID, err)
			}
			entry = generatorEntry{gen: gen, model: model}
			generators[dsp.Name] = entry
		}
		return agentic.NewLLM(entry.gen, collab.Prompt,
			agentic.WithTracer(deps.Tracer),
			agentic.WithLogger(deps.Logger.With("boss_id", bc.ID)),
			agentic.WithModel(entry.model),
		)
	}

	var build func(bc config.BossConfig) (*boss.Boss, error)
	build = func(bc config.BossConfig) (*boss.Boss, error) {
		agent, err := agentFor(bc)
		if err != nil {
			return nil, err
		}
		opts := boss.Options{
			ID:   bc.ID,
			Name: bc.Name,
			Limits: boss.Limits{
				MaxRestarts:            bc.MaxRestarts,
				ResetRethinksOnRestart: bc.ResetRethinksOnRestart,
			},
			ManualDispatch:   bc.ManualDispatch,
			ManualReflection: !bc.Reflects(),
			WorkerCount:      bc.WorkerCount,
			HistoryLimit:     deps.HistoryLimit,
			Humans:           collab.Humans,
			Tools:            collab.ToolNames(),
			Sink:             deps.Sink,
			Bus:              deps.Bus,
			Journal:          deps.Journal,
			Logger:           deps.Logger,
			Metrics:          deps.Metrics,
			Tracer:           deps.Tracer,
		}
		if bc.MaxRethinks != nil {
			opts.Limits.MaxRethinks = *bc.MaxRethinks
		}
		if agent != nil {
			opts.Agent = agent
		}
		b, err := boss.New(opts)
		if err != nil {
			return nil, fmt.Errorf("boss %s: %w", bc.ID, err)
		}
		for _, cc := range bc.Children {
			child, err := build(cc)
			if err == nil {
				err = b.AddChild(child)
			}
			if err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = b.Stop(stopCtx)
				if child != nil {
					_ = child.Stop(stopCtx)
				}
				cancel()
				return nil, err
			}
		}
		return b, nil
	}
	return build(cfg.Boss)
}

// scheduleSubmitter turns a fired cron schedule into a submission on the
// schedule's boss. The task id is derived from the fire time so a replayed
// slot is rejected as a duplicate.
func scheduleSubmitter(root *boss.Boss) cron.SubmitFunc {
	return func(ctx context.Context, sched persistence.Schedule, firedAt time.Time) (string, error) {
		target := root
		if sched.BossID != "" {
			b, ok := root.Find(sched.BossID)
			if !ok {
				return "", fmt.Errorf("schedule %s: unknown boss %q", sched.ID, sched.BossID)
			}
			target = b
		}
		ref := task.SubBoss(target.ID())
		if strings.TrimSpace(sched.Assignee) != "" {
			var err error
			if ref, err = task.ParseAssignee(sched.Assignee); err != nil {
				return "", fmt.Errorf("schedule %s: %w", sched.ID, err)
			}
		}
		opts := []boss.SubmitOption{
			boss.WithTaskID(fmt.Sprintf("cron-%s-%d", sched.ID, firedAt.Unix())),
			boss.WithCreatedBy("cron:" + sched.Name),
			boss.WithMetadata(map[string]string{"schedule_id": sched.ID}),
		}
		if sched.Title != "" {
			opts = append(opts, boss.WithTitle(sched.Title))
		}
		if sched.HumanTimeout > 0 {
			opts = append(opts, boss.WithHumanTimeout(sched.HumanTimeout))
		}
		description := sched.Description
		if description == "" {
			description = "scheduled run of " + sched.Name
		}
		return target.SubmitTask(ctx, description, ref, opts...)
	}
}
