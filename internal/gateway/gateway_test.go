package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/boss"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/gateway"
	"github.com/basket/go-boss/internal/notify"
	"github.com/basket/go-boss/internal/persistence"
	"github.com/basket/go-boss/internal/task"
)

type harness struct {
	root  *boss.Boss
	bus   *bus.Bus
	store *persistence.Store
	srv   *httptest.Server
}

func newHarness(t *testing.T, mutate func(*gateway.Config)) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goboss.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eventBus := bus.New()
	root, err := boss.New(boss.Options{
		ID:      "root",
		Limits:  boss.Limits{MaxRethinks: 2},
		Humans:  []assignee.Human{{ID: "ann", Name: "Ann", ResponseTimeout: time.Minute}},
		Bus:     eventBus,
		Sink:    notify.BusSink{Bus: eventBus},
		Journal: store,
	})
	if err != nil {
		t.Fatalf("boss.New: %v", err)
	}
	cfg := gateway.Config{Root: root, Bus: eventBus, Store: store, ConfigFingerprint: "fp"}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = root.Stop(ctx)
		_ = root.Drain(ctx)
		_ = store.Close()
	})
	return &harness{root: root, bus: eventBus, store: store, srv: srv}
}

func (h *harness) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.AuthToken = "secret" })
	var body map[string]any
	if code := h.do(t, http.MethodGet, "/healthz", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["healthy"] != true || body["boss_state"] != "idle" || body["db_ok"] != true || body["config_fingerprint"] != "fp" {
		t.Fatalf("body = %v", body)
	}
}

func TestREST_SubmitStatusAndEvents(t *testing.T) {
	h := newHarness(t, nil)

	var sub map[string]string
	code := h.do(t, http.MethodPost, "/api/tasks", `{"description":"summarize the thread","title":"Summary"}`, &sub)
	if code != http.StatusAccepted || sub["task_id"] == "" {
		t.Fatalf("submit = %d %v", code, sub)
	}
	id := sub["task_id"]

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := h.root.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var got task.Task
	if code := h.do(t, http.MethodGet, "/api/tasks/"+id, "", &got); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if got.Status != task.StatusCompleted || got.CreatedBy != "gateway" || got.Title != "Summary" {
		t.Fatalf("task = %+v", got)
	}

	var evs []persistence.TaskEvent
	waitFor(t, "journalled events", func() bool {
		evs = nil
		h.do(t, http.MethodGet, "/api/tasks/"+id+"/events", "", &evs)
		return len(evs) > 0 && evs[len(evs)-1].StateTo == task.StatusCompleted
	})

	var report boss.Report
	if code := h.do(t, http.MethodGet, "/api/boss", "", &report); code != http.StatusOK || report.BossID != "root" {
		t.Fatalf("report = %d %+v", code, report)
	}
}

func TestREST_ErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown task", http.MethodGet, "/api/tasks/nope", "", http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/tasks/nope/cancel", "", http.StatusNotFound},
		{"bad assignee", http.MethodPost, "/api/tasks", `{"description":"x","assignee":"robot:r1"}`, http.StatusBadRequest},
		{"bad timeout", http.MethodPost, "/api/tasks", `{"description":"x","human_timeout":"soon"}`, http.StatusBadRequest},
		{"empty description", http.MethodPost, "/api/tasks", `{"description":" "}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/tasks", `{`, http.StatusBadRequest},
		{"unknown boss", http.MethodGet, "/api/tasks?boss=ghost", "", http.StatusNotFound},
		{"empty response", http.MethodPost, "/api/tasks/x/respond", `{"response":""}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]any
			if code := h.do(t, tc.method, tc.path, tc.body, &body); code != tc.want {
				t.Fatalf("status = %d, want %d (%v)", code, tc.want, body)
			}
			if body["error"] == nil {
				t.Fatalf("no error message: %v", body)
			}
		})
	}
}

func TestREST_HumanRespond(t *testing.T) {
	h := newHarness(t, nil)
	var sub map[string]string
	h.do(t, http.MethodPost, "/api/tasks", `{"description":"pick a vendor","assignee":"human:ann"}`, &sub)
	id := sub["task_id"]

	var awaiting []task.HumanAwaitingEntry
	waitFor(t, "awaiting entry", func() bool {
		awaiting = nil
		h.do(t, http.MethodGet, "/api/awaiting", "", &awaiting)
		return len(awaiting) == 1
	})
	if awaiting[0].TaskID != id {
		t.Fatalf("awaiting = %+v", awaiting)
	}

	if code := h.do(t, http.MethodPost, "/api/tasks/"+id+"/respond", `{"response":"Acme"}`, nil); code != http.StatusOK {
		t.Fatalf("respond = %d", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := h.root.Wait(ctx, id)
	if err != nil || got.Result == nil || got.Result.Summary != "Acme" {
		t.Fatalf("task = %+v, %v", got, err)
	}
	if code := h.do(t, http.MethodPost, "/api/tasks/"+id+"/respond", `{"response":"again"}`, nil); code != http.StatusConflict {
		t.Fatalf("second respond = %d", code)
	}
}

func TestREST_RespondImmediatelyAfterSubmit(t *testing.T) {
	h := newHarness(t, nil)
	var sub map[string]string
	if code := h.do(t, http.MethodPost, "/api/tasks", `{"description":"approve","assignee":"human:ann"}`, &sub); code != http.StatusAccepted {
		t.Fatalf("submit = %d", code)
	}
	id := sub["task_id"]
	if code := h.do(t, http.MethodPost, "/api/tasks/"+id+"/respond", `{"response":"yes"}`, nil); code != http.StatusOK {
		t.Fatalf("respond right after submit = %d", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := h.root.Wait(ctx, id)
	if err != nil || got.Status != task.StatusCompleted || got.Result.Summary != "yes" {
		t.Fatalf("task = %+v, %v", got, err)
	}
}

func TestREST_CancelAndStop(t *testing.T) {
	h := newHarness(t, nil)
	var sub map[string]string
	h.do(t, http.MethodPost, "/api/tasks", `{"description":"approve","assignee":"human:ann"}`, &sub)
	id := sub["task_id"]
	waitFor(t, "awaiting", func() bool { return len(h.root.AwaitingHuman()) == 1 })

	if code := h.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", `{"reason":"no longer needed"}`, nil); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	got, _ := h.root.GetStatus(id)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	if code := h.do(t, http.MethodPost, "/api/boss/stop", "", nil); code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
	if h.root.State() != boss.StateStop {
		t.Fatalf("state = %s", h.root.State())
	}
	if code := h.do(t, http.MethodPost, "/api/tasks", `{"description":"late"}`, nil); code != http.StatusConflict {
		t.Fatalf("submit after stop = %d", code)
	}
	var health map[string]any
	if code := h.do(t, http.MethodGet, "/healthz", "", &health); code != http.StatusServiceUnavailable {
		t.Fatalf("healthz after stop = %d", code)
	}
}

func TestAuth(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.AuthToken = "secret" })

	if code := h.do(t, http.MethodGet, "/api/awaiting", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/awaiting", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", resp.StatusCode)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token = %d", resp.StatusCode)
	}
	if code := h.do(t, http.MethodGet, "/api/awaiting?token=secret", "", nil); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) {
		c.RequestsPerMinute = 1
		c.BurstSize = 2
	})
	for i := 0; i < 2; i++ {
		if code := h.do(t, http.MethodGet, "/api/awaiting", "", nil); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := h.do(t, http.MethodGet, "/api/awaiting", "", nil); code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d", code)
	}
	if code := h.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz limited = %d", code)
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.AllowOrigins = []string{"https://board.example"} })
	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/tasks", nil)
	req.Header.Set("Origin", "https://board.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://board.example" {
		t.Fatalf("preflight = %d %v", resp.StatusCode, resp.Header)
	}

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin echoed")
	}
}

type rpcReply struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// call sends a request and returns its response, skipping pushed events.
func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) rpcReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	for {
		var reply rpcReply
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		if reply.Method == "event" {
			continue
		}
		return reply
	}
}

func TestWS_SubmitWaitAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h)

	reply := call(t, conn, 1, "task.submit", map[string]any{"description": "draft the memo"})
	if reply.Error != nil {
		t.Fatalf("submit error: %+v", reply.Error)
	}
	var sub struct {
		TaskID string `json:"task_id"`
	}
	_ = json.Unmarshal(reply.Result, &sub)

	reply = call(t, conn, 2, "task.wait", map[string]any{"task_id": sub.TaskID, "timeout_ms": 3000})
	var done task.Task
	if err := json.Unmarshal(reply.Result, &done); err != nil || done.Status != task.StatusCompleted {
		t.Fatalf("wait = %s %+v", reply.Result, reply.Error)
	}

	reply = call(t, conn, 3, "task.status", map[string]any{"task_id": "missing"})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeNotFound {
		t.Fatalf("missing status error = %+v", reply.Error)
	}

	reply = call(t, conn, 4, "boss.status", nil)
	var report boss.Report
	if err := json.Unmarshal(reply.Result, &report); err != nil || report.BossID != "root" {
		t.Fatalf("boss.status = %s", reply.Result)
	}

	reply = call(t, conn, 5, "no.such.method", nil)
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("unknown method error = %+v", reply.Error)
	}

	reply = call(t, conn, 6, "task.cancel", map[string]any{})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("missing task_id error = %+v", reply.Error)
	}
}

func TestWS_PushesEventsAndRespond(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h)

	reply := call(t, conn, 1, "events.subscribe", map[string]any{"topics": []string{"human."}})
	if reply.Error != nil {
		t.Fatalf("subscribe: %+v", reply.Error)
	}
	id, err := h.root.SubmitTask(context.Background(), "approve spend", task.HumanAgent("ann"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var msg rpcReply
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for human.awaiting push: %v", err)
		}
		if msg.Method != "event" {
			continue
		}
		var params struct {
			Topic  string `json:"topic"`
			TaskID string `json:"task_id"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if params.Topic == bus.TopicHumanAwaiting && params.TaskID == id {
			break
		}
	}

	reply = call(t, conn, 2, "human.respond", map[string]any{"task_id": id, "response": "approved"})
	if reply.Error != nil {
		t.Fatalf("respond: %+v", reply.Error)
	}
	got, err := h.root.Wait(ctx, id)
	if err != nil || got.Result == nil || got.Result.Summary != "approved" {
		t.Fatalf("task = %+v, %v", got, err)
	}
}

func TestSSE_StreamsUntilTerminal(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.root.SubmitTask(context.Background(), "approve spend", task.HumanAgent("ann"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "awaiting", func() bool { return len(h.root.AwaitingHuman()) == 1 })

	resp, err := http.Get(h.srv.URL + "/api/tasks/" + id + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	if err := h.root.RespondAsHuman(context.Background(), id, "ok"); err != nil {
		t.Fatal(err)
	}

	var topics []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if topic, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			topics = append(topics, topic)
		}
	}
	if len(topics) < 2 || topics[0] != "task.snapshot" || topics[len(topics)-1] != bus.TopicTaskCompleted {
		t.Fatalf("topics = %v", topics)
	}
}

func TestSSE_UnknownTask(t *testing.T) {
	h := newHarness(t, nil)
	var body map[string]any
	if code := h.do(t, http.MethodGet, "/api/tasks/nope/stream", "", &body); code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
}
