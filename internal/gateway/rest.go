package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/basket/go-boss/internal/persistence"
)

const restActor = "gateway"

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p submitParams
	if !decodeBody(w, r, &p) {
		return
	}
	id, err := s.submit(r.Context(), restActor, p)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	b, err := s.target(r.URL.Query().Get("boss"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Poll())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	events, err := s.cfg.Store.TaskEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p := taskParams{TaskID: r.PathValue("id")}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	p.Reason = body.Reason
	if err := s.cancel(r.Context(), restActor, p); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatch(r.Context(), restActor, taskParams{TaskID: r.PathValue("id")}); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response string `json:"response"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := taskParams{TaskID: r.PathValue("id"), Response: body.Response}
	if err := s.respond(r.Context(), restActor, p); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAwaiting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Root.AwaitingHuman())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	b, err := s.target(r.URL.Query().Get("boss"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Report())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.stop(r.Context(), restActor, bossParams{Boss: r.URL.Query().Get("boss")}); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReflection(w http.ResponseWriter, r *http.Request) {
	var p bossParams
	if r.ContentLength != 0 && !decodeBody(w, r, &p) {
		return
	}
	if p.Boss == "" {
		p.Boss = r.URL.Query().Get("boss")
	}
	if err := s.completeReflection(r.Context(), restActor, p); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeOpError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	w.Header().Set("X-Error-Code", strconv.Itoa(code))
	writeError(w, status, err.Error())
}
