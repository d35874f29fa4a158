package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/bugyo/internal/config"
	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/pushnotification"
	pushsubrepo "github.com/kazz187/bugyo/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/bugyo/internal/server"
	"github.com/kazz187/bugyo/internal/state"
	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/internal/workflow"
	"github.com/kazz187/bugyo/pkg/storage"
	"github.com/kazz187/bugyo/pkg/worktree"
)

type fakeCheckouts struct {
	root string
}

func (f *fakeCheckouts) Create(_ context.Context, workerID int64) (worker.Checkout, error) {
	path := filepath.Join(f.root, fmt.Sprintf("worker-%03d", workerID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return worker.Checkout{}, err
	}
	return worker.Checkout{Path: path, Branch: fmt.Sprintf("bugyo/worker-%d", workerID)}, nil
}

func (f *fakeCheckouts) Remove(_ context.Context, co worker.Checkout) error {
	return os.RemoveAll(co.Path)
}

func (f *fakeCheckouts) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type fakeWorktrees struct{}

func (fakeWorktrees) List(context.Context) ([]worktree.Checkout, error) {
	return []worktree.Checkout{{Path: "/repo/.worktrees/worker-001", Branch: "bugyo/worker-001"}}, nil
}

type staticWorkflows struct {
	cfg *workflow.Config
}

func (s *staticWorkflows) Config() *workflow.Config {
	return s.cfg
}

func newTestServer(t *testing.T, env *config.Env) *httptest.Server {
	t.Helper()

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	store := state.NewStore(local)
	bus := eventbus.New[worker.Event]()
	orch := worker.NewOrchestrator(worker.Options{
		Store:     store,
		Checkouts: &fakeCheckouts{root: t.TempDir()},
		Workflows: &staticWorkflows{cfg: &workflow.Config{
			Workflows: []workflow.Workflow{{
				Name:  "shell",
				Steps: []workflow.Step{{Name: "Run", Command: "echo ok"}},
			}},
			DefaultWorkflow: "shell",
		}},
		Bus: bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = orch.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	pushRepo := pushsubrepo.NewYAMLRepository(local)
	pushSender := pushnotification.NewSender(config.PushEnvFromEnv(env), pushRepo)

	srv := server.NewServer(env, orch, bus, store, fakeWorktrees{}, pushRepo, pushSender)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestServerWorkerLifecycle(t *testing.T) {
	ts := newTestServer(t, &config.Env{})

	resp := postJSON(t, ts.URL+"/api/workers", map[string]string{"name": "alpha", "issue": "#1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created worker.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "alpha", created.Name)
	require.NotZero(t, created.ID)

	// The shell workflow finishes quickly; poll until idle.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		r, err := http.Get(fmt.Sprintf("%s/api/workers/%d", ts.URL, created.ID))
		require.NoError(t, err)
		var snapshot worker.Snapshot
		require.NoError(t, json.NewDecoder(r.Body).Decode(&snapshot))
		r.Body.Close()
		if snapshot.Status == worker.StatusIdle {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	r, err := http.Get(fmt.Sprintf("%s/api/workers/%d/logs", ts.URL, created.ID))
	require.NoError(t, err)
	defer r.Body.Close()
	var logs struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&logs))
	assert.Contains(t, logs.Logs, "[STEP_START:0:Run]")

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/workers/%d", ts.URL, created.ID), nil)
	require.NoError(t, err)
	dr, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dr.Body.Close()
	assert.Equal(t, http.StatusOK, dr.StatusCode)

	lr, err := http.Get(ts.URL + "/api/workers")
	require.NoError(t, err)
	defer lr.Body.Close()
	var list struct {
		Workers []worker.Snapshot `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(lr.Body).Decode(&list))
	assert.Empty(t, list.Workers)
}

func TestServerUnknownWorkerReturns404(t *testing.T) {
	ts := newTestServer(t, &config.Env{})

	r, err := http.Get(ts.URL + "/api/workers/999")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&apiErr))
	assert.Equal(t, "NotFound", apiErr.Code)
}

func TestServerListWorktrees(t *testing.T) {
	ts := newTestServer(t, &config.Env{})

	r, err := http.Get(ts.URL + "/api/worktrees")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var list struct {
		Worktrees []struct {
			Path   string `json:"path"`
			Branch string `json:"branch"`
		} `json:"worktrees"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&list))
	require.Len(t, list.Worktrees, 1)
	assert.Equal(t, "bugyo/worker-001", list.Worktrees[0].Branch)
}

func TestServerAPIKeyGuard(t *testing.T) {
	env := &config.Env{}
	env.APIKey = "secret"
	ts := newTestServer(t, env)

	r, err := http.Get(ts.URL + "/api/workers")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/workers", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r2.Body.Close()
	assert.Equal(t, http.StatusOK, r2.StatusCode)

	// Health stays open.
	hr, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	hr.Body.Close()
	assert.Equal(t, http.StatusOK, hr.StatusCode)
}
