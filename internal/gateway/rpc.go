package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const wsActor = "ws"

// handleRPC dispatches one JSON-RPC request. Notifications (no id) get no
// response.
func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid request"}}
	}

	result, err := s.call(ctx, c, req.Method, req.Params)
	if !hasID {
		return nil
	}
	resp := &rpcResponse{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = result
	return resp
}

type methodError struct {
	code int
	msg  string
}

func (e *methodError) Error() string { return e.msg }

func (s *Server) call(ctx context.Context, c *client, method string, raw json.RawMessage) (any, error) {
	switch method {
	case "task.submit":
		var p submitParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		id, err := s.submit(ctx, wsActor, p)
		if err != nil {
			return nil, err
		}
		return map[string]string{"task_id": id}, nil

	case "task.status":
		p, err := taskParamsOf(raw)
		if err != nil {
			return nil, err
		}
		return s.status(ctx, p.TaskID)

	case "task.list":
		var p bossParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		b, err := s.target(p.Boss)
		if err != nil {
			return nil, err
		}
		return b.Poll(), nil

	case "task.cancel":
		p, err := taskParamsOf(raw)
		if err != nil {
			return nil, err
		}
		if err := s.cancel(ctx, wsActor, p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "task.dispatch":
		p, err := taskParamsOf(raw)
		if err != nil {
			return nil, err
		}
		if err := s.dispatch(ctx, wsActor, p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "task.wait":
		p, err := taskParamsOf(raw)
		if err != nil {
			return nil, err
		}
		return s.wait(ctx, p)

	case "human.awaiting":
		return s.cfg.Root.AwaitingHuman(), nil

	case "human.respond":
		p, err := taskParamsOf(raw)
		if err != nil {
			return nil, err
		}
		if err := s.respond(ctx, wsActor, p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "boss.status":
		var p bossParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		b, err := s.target(p.Boss)
		if err != nil {
			return nil, err
		}
		return b.Report(), nil

	case "boss.stop":
		var p bossParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := s.stop(ctx, wsActor, p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "boss.reflection":
		var p bossParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := s.completeReflection(ctx, wsActor, p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "events.subscribe":
		var p struct {
			Topics []string `json:"topics"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		topics := p.Topics
		if len(topics) == 0 {
			topics = eventTopics
		}
		if s.cfg.Bus == nil {
			return nil, &methodError{code: ErrCodeInternal, msg: "event bus unavailable"}
		}
		s.subscribe(c, topics)
		return map[string]any{"topics": topics}, nil

	default:
		return nil, &methodError{code: ErrCodeMethodNotFound, msg: "method not found: " + method}
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func taskParamsOf(raw json.RawMessage) (taskParams, error) {
	var p taskParams
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.TaskID) == "" {
		return p, fmt.Errorf("%w: task_id is required", errInvalidParams)
	}
	return p, nil
}

func toRPCError(err error) *rpcError {
	if me, ok := err.(*methodError); ok {
		return &rpcError{Code: me.code, Message: me.msg}
	}
	_, code := classify(err)
	return &rpcError{Code: code, Message: err.Error()}
}
