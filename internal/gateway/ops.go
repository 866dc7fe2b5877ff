package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-boss/internal/audit"
	"github.com/basket/go-boss/internal/boss"
	"github.com/basket/go-boss/internal/task"
)

type submitParams struct {
	Boss         string            `json:"boss,omitempty"`
	TaskID       string            `json:"task_id,omitempty"`
	Title        string            `json:"title,omitempty"`
	Description  string            `json:"description"`
	Assignee     string            `json:"assignee,omitempty"`
	HumanTimeout string            `json:"human_timeout,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type taskParams struct {
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason,omitempty"`
	Response  string `json:"response,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type bossParams struct {
	Boss    string `json:"boss,omitempty"`
	Summary string `json:"summary,omitempty"`
}

func (s *Server) submit(ctx context.Context, actor string, p submitParams) (string, error) {
	target, err := s.target(p.Boss)
	if err != nil {
		return "", err
	}
	ref := task.SubBoss(target.ID())
	if strings.TrimSpace(p.Assignee) != "" {
		if ref, err = task.ParseAssignee(p.Assignee); err != nil {
			return "", err
		}
	}
	opts := []boss.SubmitOption{boss.WithCreatedBy(actor)}
	if p.TaskID != "" {
		opts = append(opts, boss.WithTaskID(p.TaskID))
	}
	if p.Title != "" {
		opts = append(opts, boss.WithTitle(p.Title))
	}
	if len(p.Metadata) > 0 {
		opts = append(opts, boss.WithMetadata(p.Metadata))
	}
	if p.HumanTimeout != "" {
		d, err := time.ParseDuration(p.HumanTimeout)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("%w: human_timeout %q", errInvalidParams, p.HumanTimeout)
		}
		opts = append(opts, boss.WithHumanTimeout(d))
	}
	id, err := target.SubmitTask(ctx, p.Description, ref, opts...)
	s.audit(ctx, actor, "task.submit", id, err)
	return id, err
}

func (s *Server) cancel(ctx context.Context, actor string, p taskParams) error {
	b, err := s.owner(p.TaskID)
	if err == nil {
		err = b.CancelTask(ctx, p.TaskID, p.Reason)
	}
	s.audit(ctx, actor, "task.cancel", p.TaskID, err)
	return err
}

func (s *Server) dispatch(ctx context.Context, actor string, p taskParams) error {
	b, err := s.owner(p.TaskID)
	if err == nil {
		err = b.Dispatch(ctx, p.TaskID)
	}
	s.audit(ctx, actor, "task.dispatch", p.TaskID, err)
	return err
}

func (s *Server) respond(ctx context.Context, actor string, p taskParams) error {
	var err error
	if strings.TrimSpace(p.Response) == "" {
		err = fmt.Errorf("%w: response is required", errInvalidParams)
	} else {
		err = s.cfg.Root.Respond(ctx, p.TaskID, p.Response)
	}
	s.audit(ctx, actor, "human.respond", p.TaskID, err)
	return err
}

func (s *Server) wait(ctx context.Context, p taskParams) (task.Task, error) {
	b, err := s.owner(p.TaskID)
	if err != nil {
		return task.Task{}, err
	}
	if p.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return b.Wait(ctx, p.TaskID)
}

func (s *Server) stop(ctx context.Context, actor string, p bossParams) error {
	b, err := s.target(p.Boss)
	if err == nil {
		err = b.Stop(ctx)
	}
	s.audit(ctx, actor, "boss.stop", bossSubject(b, p.Boss), err)
	return err
}

func (s *Server) completeReflection(ctx context.Context, actor string, p bossParams) error {
	b, err := s.target(p.Boss)
	if err == nil {
		err = b.CompleteReflection(ctx, p.Summary)
	}
	s.audit(ctx, actor, "boss.reflection", bossSubject(b, p.Boss), err)
	return err
}

func bossSubject(b *boss.Boss, fallback string) string {
	if b != nil {
		return b.ID()
	}
	return fallback
}

func (s *Server) audit(ctx context.Context, actor, action, subject string, err error) {
	outcome, reason := audit.Outcome(err)
	audit.Record(ctx, actor, action, subject, outcome, reason)
}

var errInvalidParams = errors.New("invalid params")

// classify maps an operation error to an HTTP status and JSON-RPC code.
func classify(err error) (int, int) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, errNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, boss.ErrBossStopped):
		return http.StatusConflict, ErrCodeStopped
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrDuplicateTask),
		errors.Is(err, task.ErrNotAwaitingHuman):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, task.ErrInvalidAssignee),
		errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, errInvalidParams):
		return http.StatusBadRequest, ErrCodeInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
