package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"groupscan/internal/core"
	"groupscan/internal/store"
)

type stubClient struct {
	items []core.Item
}

func (c *stubClient) Authenticate(context.Context, core.Account) error { return nil }
func (c *stubClient) ListTargetItems(context.Context, core.Target, int) ([]core.Item, error) {
	return c.items, nil
}
func (c *stubClient) PerformReply(context.Context, core.ReplyRequest) error { return nil }
func (c *stubClient) Close() error                                          { return nil }

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	engine *core.Engine
}

func newTestEnv(t *testing.T, tokens map[string]string) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clients := core.ClientFactoryFunc(func(core.Account) core.AutomationClient {
		return &stubClient{items: []core.Item{{ItemID: "p1", Text: "selling my bike", SourceURL: "https://g/p1"}}}
	})
	engine := core.NewEngine(st, clients, logger, core.EngineOptions{})
	scheduler := core.NewScheduler(st, engine, logger, core.SchedulerOptions{Location: time.UTC})
	service := core.NewService(st, engine, scheduler, logger, time.UTC)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "groupscan_queue_depth 0\n")
	})
	server, err := NewServer("127.0.0.1:0", service, logger, Options{Tokens: tokens, Metrics: metrics})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env := &testEnv{t: t, srv: httptest.NewServer(server.Handler()), engine: engine}
	t.Cleanup(func() {
		env.srv.Close()
		engine.Stop()
		st.Close()
	})
	return env
}

func (e *testEnv) do(method, path, token string, body any, out any) int {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// seed creates an account and a target and returns their ids.
func (e *testEnv) seed(token string) (accountID, targetID string) {
	e.t.Helper()
	var account accountResponse
	if code := e.do("POST", "/v1/accounts", token, map[string]any{"label": "main"}, &account); code != http.StatusCreated {
		e.t.Fatalf("create account: status %d", code)
	}
	var target targetResponse
	if code := e.do("POST", "/v1/targets", token, map[string]any{"name": "bikes", "url": "https://groups.example/bikes"}, &target); code != http.StatusCreated {
		e.t.Fatalf("create target: status %d", code)
	}
	return account.ID, target.ID
}

func TestAuthAndOwnerIsolation(t *testing.T) {
	env := newTestEnv(t, map[string]string{"tok-a": "alice", "tok-b": "bob"})

	if code := env.do("GET", "/v1/tasks", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d, want 401", code)
	}
	if code := env.do("GET", "/v1/tasks", "nope", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unknown token: status %d, want 401", code)
	}

	accountID, targetID := env.seed("tok-a")
	var task taskResponse
	code := env.do("POST", "/v1/tasks", "tok-a", map[string]any{
		"kind": "one_shot", "targets": []string{targetID}, "account_id": accountID,
	}, &task)
	if code != http.StatusCreated {
		t.Fatalf("create task: status %d", code)
	}

	var bobTargets []targetResponse
	env.do("GET", "/v1/targets", "tok-b", nil, &bobTargets)
	if len(bobTargets) != 0 {
		t.Fatalf("bob sees %d of alice's targets", len(bobTargets))
	}
	if code := env.do("GET", "/v1/tasks/"+task.ID, "tok-b", nil, nil); code != http.StatusNotFound {
		t.Fatalf("bob reading alice's task: status %d, want 404", code)
	}
	if code := env.do("POST", "/v1/tasks/"+task.ID+"/stop", "tok-b", nil, nil); code != http.StatusNotFound {
		t.Fatalf("bob stopping alice's task: status %d, want 404", code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	accountID, targetID := env.seed("")

	var rule ruleResponse
	code := env.do("POST", "/v1/rules", "", map[string]any{
		"trigger":  "bike",
		"messages": []map[string]any{{"text": "still available?", "weight": 1, "active": true}},
	}, &rule)
	if code != http.StatusCreated || !rule.Active {
		t.Fatalf("create rule: status %d active=%v", code, rule.Active)
	}

	var task taskResponse
	code = env.do("POST", "/v1/tasks", "", map[string]any{
		"name": "bikes", "targets": []string{targetID, targetID}, "account_id": accountID,
		"settings": map[string]any{"post_scan_limit": 5},
	}, &task)
	if code != http.StatusCreated {
		t.Fatalf("create task: status %d", code)
	}
	if task.Status != "pending" || task.Kind != "one_shot" || len(task.Targets) != 1 || task.Settings.PostScanLimit != 5 {
		t.Fatalf("unexpected task: %+v", task)
	}

	if code := env.do("POST", "/v1/tasks/"+task.ID+"/start", "", nil, nil); code != http.StatusAccepted {
		t.Fatalf("start: status %d", code)
	}
	env.engine.Wait()

	var done taskResponse
	env.do("GET", "/v1/tasks/"+task.ID, "", nil, &done)
	if done.Status != "completed" || done.Results.ActionsTaken != 1 || done.EndedAt == nil {
		t.Fatalf("unexpected finished task: %+v", done)
	}

	if code := env.do("POST", "/v1/tasks/"+task.ID+"/start", "", nil, nil); code != http.StatusConflict {
		t.Fatalf("restart completed task: status %d, want 409", code)
	}
	if code := env.do("PUT", "/v1/tasks/"+task.ID+"/settings", "", map[string]any{"post_scan_limit": 500}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad settings: status %d, want 400", code)
	}

	var logs []logResponse
	env.do("GET", "/v1/tasks/"+task.ID+"/logs", "", nil, &logs)
	if len(logs) < 3 {
		t.Fatalf("expected several log lines, got %d", len(logs))
	}
	var tail []logResponse
	env.do("GET", "/v1/tasks/"+task.ID+"/logs?after="+strconv.FormatInt(logs[len(logs)-2].Seq, 10), "", nil, &tail)
	if len(tail) != 1 || tail[0].Seq != logs[len(logs)-1].Seq {
		t.Fatalf("after filter returned %+v", tail)
	}

	var stats core.Stats
	env.do("GET", "/v1/stats", "", nil, &stats)
	if stats.ActionsOK != 1 || stats.TasksByStatus[core.TaskStatusCompleted] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStopPendingTask(t *testing.T) {
	env := newTestEnv(t, nil)
	accountID, targetID := env.seed("")

	var task taskResponse
	env.do("POST", "/v1/tasks", "", map[string]any{
		"targets": []string{targetID}, "account_id": accountID,
		"scheduled_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, &task)

	var stopped stopResponse
	if code := env.do("POST", "/v1/tasks/"+task.ID+"/stop", "", nil, &stopped); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}
	if !stopped.Immediate || stopped.Task.Status != "canceled" {
		t.Fatalf("unexpected stop result: %+v", stopped)
	}
	if code := env.do("POST", "/v1/tasks/"+task.ID+"/stop", "", nil, nil); code != http.StatusConflict {
		t.Fatalf("second stop: status %d, want 409", code)
	}
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	accountID, targetID := env.seed("")

	cases := []map[string]any{
		{"kind": "weekly", "targets": []string{targetID}, "account_id": accountID},
		{"kind": "recurring", "cron_expr": "every hour", "targets": []string{targetID}, "account_id": accountID},
		{"targets": []string{}, "account_id": accountID},
		{"targets": []string{targetID}, "account_id": accountID, "scheduled_at": "tomorrow"},
	}
	for i, body := range cases {
		if code := env.do("POST", "/v1/tasks", "", body, nil); code != http.StatusBadRequest {
			t.Errorf("case %d: status %d, want 400", i, code)
		}
	}
	if code := env.do("POST", "/v1/tasks", "", map[string]any{"targets": []string{"missing"}, "account_id": accountID}, nil); code != http.StatusNotFound {
		t.Errorf("unknown target: status %d, want 404", code)
	}
	if code := env.do("POST", "/v1/targets", "", map[string]any{"url": "ftp://x"}, nil); code != http.StatusBadRequest {
		t.Errorf("bad target url: status %d, want 400", code)
	}
	if code := env.do("GET", "/v1/tasks?status=paused", "", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad status filter: status %d, want 400", code)
	}
}

func TestRulesCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	var rule ruleResponse
	env.do("POST", "/v1/rules", "", map[string]any{
		"trigger": "sofa", "variations": []string{"couch"}, "min_time_between_uses_s": 600,
		"messages": []map[string]any{{"text": "hi", "weight": 2, "active": true}},
	}, &rule)
	if rule.MinGapSecs != 600 || len(rule.Variations) != 1 {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	var updated ruleResponse
	code := env.do("PUT", "/v1/rules/"+rule.ID, "", map[string]any{"trigger": "armchair", "active": false}, &updated)
	if code != http.StatusOK || updated.Trigger != "armchair" || updated.Active {
		t.Fatalf("update: status %d rule %+v", code, updated)
	}
	if code := env.do("PUT", "/v1/rules/"+rule.ID, "", map[string]any{"trigger": " "}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty trigger: status %d, want 400", code)
	}

	var rules []ruleResponse
	env.do("GET", "/v1/rules", "", nil, &rules)
	if len(rules) != 1 {
		t.Fatalf("list: %d rules", len(rules))
	}
	if code := env.do("DELETE", "/v1/rules/"+rule.ID, "", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: status %d", code)
	}
	if code := env.do("GET", "/v1/rules/"+rule.ID, "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("get deleted: status %d, want 404", code)
	}
}

func TestCronPreviewAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	var preview cronPreviewResponse
	env.do("POST", "/v1/cron/preview", "", map[string]any{"expr": "0 * * * *", "now": "2024-01-01T10:30:00Z", "count": 2}, &preview)
	if !preview.Valid || len(preview.NextTimes) != 2 || preview.NextTimes[0] != "2024-01-01T11:00:00Z" {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	var invalid cronPreviewResponse
	env.do("POST", "/v1/cron/preview", "", map[string]any{"expr": "@hourly"}, &invalid)
	if invalid.Valid || invalid.Message == "" {
		t.Fatalf("expected invalid preview: %+v", invalid)
	}

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
}
