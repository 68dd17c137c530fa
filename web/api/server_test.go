package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/eventbus"
	"github.com/silver-key/factory-agents/internal/orchestrator"
	"github.com/silver-key/factory-agents/internal/procrun"
	"github.com/silver-key/factory-agents/internal/prompts"
	"github.com/silver-key/factory-agents/internal/runstore"
	"github.com/silver-key/factory-agents/internal/workspace"
)

// nopRunner answers every command with success and empty output
type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, cmd procrun.Cmd) (procrun.Result, error) {
	return procrun.Result{}, nil
}

func (nopRunner) Spawn(ctx context.Context, cmd procrun.Cmd, onLine procrun.OutputFunc) (int, error) {
	return 0, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *runstore.Store, *eventbus.Bus) {
	t.Helper()

	store, err := runstore.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	orch := orchestrator.New(orchestrator.Options{
		Store:      store,
		Bus:        bus,
		Runner:     nopRunner{},
		Workspaces: workspace.NewManager(t.TempDir()),
		Prompts:    prompts.NewLoader(""),
	})

	ts := httptest.NewServer(NewServer(orch, bus, ":0").Handler())
	t.Cleanup(ts.Close)
	return ts, store, bus
}

func seedRun(t *testing.T, store *runstore.Store, status domain.RunStatus) *domain.Run {
	t.Helper()
	cfg := domain.RunConfig{}
	cfg.ApplyDefaults()
	run, err := store.Create(&domain.Run{
		ID: uuid.NewString(), Repo: "acme/widgets", IssueNumber: 7,
		IssueTitle: "Issue #7", TaskType: domain.TaskFeature,
		Config: cfg, Trigger: domain.TriggerManual,
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.StatusQueued {
		if run, err = store.Update(run.ID, runstore.Update{Status: &status}); err != nil {
			t.Fatal(err)
		}
	}
	return run
}

func TestCreateRun(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := `{"repo":"acme/widgets","issueNumber":7,"config":{"timeoutMinutes":10}}`
	resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var run domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.StatusQueued || run.Repo != "acme/widgets" {
		t.Errorf("run = %+v", run)
	}
	if run.Config.TimeoutMinutes != 10 || run.Config.BaseBranch != "main" {
		t.Errorf("config = %+v", run.Config)
	}
}

func TestCreateRunRejectsBadRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for name, body := range map[string]string{
		"bad repo":   `{"repo":"widgets","issueNumber":7}`,
		"no issue":   `{"repo":"acme/widgets"}`,
		"bad task":   `{"repo":"acme/widgets","issueNumber":7,"taskType":"chore"}`,
		"not json":   `{{{`,
		"huge limit": `{"repo":"acme/widgets","issueNumber":7,"config":{"timeoutMinutes":999}}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	ts, store, _ := newTestServer(t)
	run := seedRun(t, store, domain.StatusQueued)

	resp, err := http.Get(ts.URL + "/api/runs/" + run.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != run.ID {
		t.Errorf("ID = %q", got.ID)
	}

	missing, err := http.Get(ts.URL + "/api/runs/" + uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", missing.StatusCode)
	}
}

func TestListRunsWithStatusFilter(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedRun(t, store, domain.StatusQueued)
	seedRun(t, store, domain.StatusFailed)
	seedRun(t, store, domain.StatusFailed)

	resp, err := http.Get(ts.URL + "/api/runs?status=failed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var runs []domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Status != domain.StatusFailed {
			t.Errorf("status = %s", r.Status)
		}
	}
}

func patch(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPatch, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestPatchRunLifecycle(t *testing.T) {
	ts, store, _ := newTestServer(t)
	run := seedRun(t, store, domain.StatusQueued)
	url := ts.URL + "/api/runs/" + run.ID

	resp := patch(t, url, `{"status":"running"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	updated := decodeRunBody(t, resp)
	if updated.Status != domain.StatusRunning || updated.StartedAt == nil {
		t.Errorf("after running patch: %+v", updated)
	}

	resp = patch(t, url, `{"status":"success","prNumber":55,"prUrl":"https://github.com/acme/widgets/pull/55"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	updated = decodeRunBody(t, resp)
	if updated.Status != domain.StatusSuccess || updated.FinishedAt == nil || updated.PRNumber != 55 {
		t.Errorf("after success patch: %+v", updated)
	}

	// Terminal runs reject further status changes
	resp = patch(t, url, `{"status":"running"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	resp = patch(t, url, `{"status":"sideways"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp = patch(t, ts.URL+"/api/runs/"+uuid.NewString(), `{"status":"running"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func decodeRunBody(t *testing.T, resp *http.Response) domain.Run {
	t.Helper()
	defer resp.Body.Close()
	var run domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestPatchRunAppendsLogLine(t *testing.T) {
	ts, store, _ := newTestServer(t)
	run := seedRun(t, store, domain.StatusRunning)

	resp := patch(t, ts.URL+"/api/runs/"+run.ID, `{"log":"external worker: checkout done"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	updated := decodeRunBody(t, resp)
	if !strings.Contains(updated.Log, "external worker: checkout done") {
		t.Errorf("log = %q", updated.Log)
	}
}

func TestPatchRunPublishesLogBeforeStatus(t *testing.T) {
	ts, store, bus := newTestServer(t)
	run := seedRun(t, store, domain.StatusRunning)

	sub := bus.Subscribe(run.ID)
	defer bus.Unsubscribe(sub)

	// Followers stop reading at a terminal status, so the failure log
	// line has to arrive first or it is never seen.
	resp := patch(t, ts.URL+"/api/runs/"+run.ID,
		`{"status":"failed","error":"agent-exit: exited with code 1","log":"ERROR: agent-exit: exited with code 1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	var kinds []string
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.Events():
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("events = %v, want log then status", kinds)
		}
	}
	if kinds[0] != eventbus.KindLog || kinds[1] != eventbus.KindStatus {
		t.Errorf("event order = %v, want [%s %s]", kinds, eventbus.KindLog, eventbus.KindStatus)
	}
}

func TestStatsAndRepos(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedRun(t, store, domain.StatusSuccess)
	seedRun(t, store, domain.StatusFailed)

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats runstore.Stats
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if stats.Total != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp, err = http.Get(ts.URL + "/api/repos")
	if err != nil {
		t.Fatal(err)
	}
	var repos []string
	json.NewDecoder(resp.Body).Decode(&repos)
	resp.Body.Close()
	if len(repos) != 1 || repos[0] != "acme/widgets" {
		t.Errorf("repos = %v", repos)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/runs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketSnapshotThenLiveEvents(t *testing.T) {
	ts, store, bus := newTestServer(t)
	run := seedRun(t, store, domain.StatusRunning)
	if err := store.AppendLog(run.ID, "Cloning acme/widgets..."); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?runId=" + run.ID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap struct {
		Kind string      `json:"type"`
		Run  *domain.Run `json:"run"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Kind != "snapshot" || snap.Run == nil {
		t.Fatalf("first frame = %+v, want snapshot", snap)
	}
	if !strings.Contains(snap.Run.Log, "Cloning acme/widgets...") {
		t.Errorf("snapshot log = %q", snap.Run.Log)
	}

	// Publishing requires a live subscriber; wait for the handler's
	// subscription to land
	deadline := time.Now().Add(3 * time.Second)
	for bus.SubscriberCount(run.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	bus.Publish(run.ID, eventbus.Event{Kind: eventbus.KindLog, Line: "Task type: feature"})

	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != eventbus.KindLog || ev.Line != "Task type: feature" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketRequiresKnownRun(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no runId status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/ws?runId=" + uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", resp.StatusCode)
	}
}
