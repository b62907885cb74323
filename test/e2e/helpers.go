package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/outpost/internal/api"
	"github.com/hyperengineering/outpost/internal/backend"
	"github.com/hyperengineering/outpost/internal/events"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/hyperengineering/outpost/pkg/outpost"
)

const testAPIKey = "e2e-key"

// testEnv is a reference backend served over HTTP.
type testEnv struct {
	backend  *backend.SQLiteBackend
	server   *httptest.Server
	registry *model.Registry
}

func taskRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg, err := model.NewRegistry(
		model.ModelSchema{
			Name: "Task",
			Fields: []model.Field{
				{Name: "title", Type: model.TypeString, Required: true},
				{Name: "priority", Type: model.TypeInt},
				{Name: "done", Type: model.TypeBoolean},
			},
		},
		model.ModelSchema{
			Name: "Comment",
			Fields: []model.Field{
				{Name: "body", Type: model.TypeString, Required: true},
			},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := taskRegistry(t)
	b, err := backend.NewSQLiteBackend(filepath.Join(t.TempDir(), "backend.db"), reg)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(b, testAPIKey, "e2e")))
	t.Cleanup(srv.Close)

	return &testEnv{backend: b, server: srv, registry: reg}
}

// openClient opens a client on path pointed at the env's server.
func (e *testEnv) openClient(t *testing.T, path string) *outpost.Client {
	t.Helper()
	c, err := outpost.New(outpost.Config{
		LocalPath: path,
		Registry:  taskRegistry(t),
		Endpoint:  e.server.URL,
		APIKey:    testAPIKey,
		Retry: &outpost.RetryPolicy{
			BaseDelay:    5 * time.Millisecond,
			MaxExponent:  3,
			MaxAttempts:  3,
			NonRetryable: syncengine.DefaultNonRetryable(),
		},
		BaseSyncInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("outpost.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// startClient opens and starts a client and waits until it is ready.
func (e *testEnv) startClient(t *testing.T) *outpost.Client {
	t.Helper()
	c := e.openClient(t, filepath.Join(t.TempDir(), "client.db"))
	start(t, c)
	return c
}

func start(t *testing.T, c *outpost.Client) {
	t.Helper()

	ready, cancel := c.Events(events.Ready)
	defer cancel()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		t.Fatal("client never became ready")
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// localTitle reads a Task title from a client, "" when absent.
func localTitle(c *outpost.Client, id string) string {
	rec, err := c.Get(context.Background(), "Task", id)
	if err != nil {
		return ""
	}
	title, _ := rec.Fields["title"].(string)
	return title
}

// serverItem returns the backend's copy of a record from a full sync.
func (e *testEnv) serverItem(t *testing.T, modelName, id string) (model.RecordWithMetadata, bool) {
	t.Helper()
	page, err := e.backend.Sync(context.Background(), modelName, nil, "", 1000)
	if err != nil {
		t.Fatalf("backend Sync() error = %v", err)
	}
	for _, item := range page.Items {
		if item.Record.ID == id {
			return item, true
		}
	}
	return model.RecordWithMetadata{}, false
}
