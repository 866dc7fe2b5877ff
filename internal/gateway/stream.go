package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/task"
)

type streamSSEEvent struct {
	Topic  string      `json:"topic"`
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status,omitempty"`
	Data   any         `json:"data,omitempty"`
}

// handleTaskStream serves GET /api/tasks/{id}/stream: an SSE stream of the
// task's bus events that ends once the task reaches a terminal status.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the status check so no transition slips between them.
	sub := s.cfg.Bus.Subscribe("task.", "human.")
	defer s.cfg.Bus.Unsubscribe(sub)

	current, err := s.status(r.Context(), taskID)
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev streamSSEEvent) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("sse: marshal event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
			s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(streamSSEEvent{Topic: "task.snapshot", TaskID: taskID, Status: current.Status, Data: current}) ||
		current.Status.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if bus.TaskIDOf(ev) != taskID {
				continue
			}
			out := streamSSEEvent{Topic: ev.Topic, TaskID: taskID, Data: ev.Payload}
			if sc, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
				out.Status = task.Status(sc.NewStatus)
			}
			if !send(out) {
				return
			}
			if out.Status.Terminal() {
				return
			}
		}
	}
}
