package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/balancer"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
	"github.com/flyingrobots/go-redis-work-queue/internal/paramengine"
	"github.com/flyingrobots/go-redis-work-queue/internal/template"
)

var upgrader = websocket.Upgrader{}

func newFakeNode(t *testing.T, promptID string, wsMessages []string, images []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": promptID})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range wsMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/history/"+promptID, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			promptID: map[string]any{
				"outputs": map[string]any{
					"9": map[string]any{"images": images},
				},
			},
		})
	})

	return httptest.NewServer(mux)
}

func serverHostPort(srv *httptest.Server) (string, int) {
	addr := srv.Listener.Addr().String()
	parts := strings.Split(addr, ":")
	port, _ := strconv.Atoi(parts[len(parts)-1])
	return "127.0.0.1", port
}

func newTestDriver(t *testing.T, srv *httptest.Server) (*Driver, *jobstore.Store, *nodefleet.Manager) {
	t.Helper()
	dir := t.TempDir()

	workflow := map[string]any{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 0}},
	}
	wb, _ := json.Marshal(workflow)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "basic.workflow.json"), wb, 0o644))
	cb, _ := json.Marshal(map[string]any{
		"workflow_file":      "basic.workflow.json",
		"allowed_params":     []string{"seed"},
		"parameter_mapping":  map[string]any{"seed": map[string]any{"graph_node_id": "3", "input_field": "seed", "data_type": "int"}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "basic.json"), cb, 0o644))

	registry := template.New(dir)
	params := paramengine.New(registry, nil)

	dsn := filepath.Join(t.TempDir(), "jobstore.db")
	store, err := jobstore.Open(config.JobStore{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{Nodes: config.Nodes{HealthCheck: config.HealthCheck{Interval: time.Second, Timeout: time.Second, HeartbeatTimeout: time.Minute}}}
	manager := nodefleet.New(cfg, zap.NewNop())

	host, port := serverHostPort(srv)
	node := &nodefleet.Node{ID: "n1", Host: host, Port: port, MaxConcurrent: 2}
	ok := manager.Register(context.Background(), node)
	require.True(t, ok)

	bal := balancer.New(balancer.LeastLoaded, nil)

	driver := New(registry, params, manager, bal, store, nil, srv.Client(), zap.NewNop())
	driver.MonitorDeadlines = map[string]time.Duration{"image-from-text": 5 * time.Second}

	return driver, store, manager
}

func TestRunHappyPath(t *testing.T) {
	srv := newFakeNode(t, "prompt-1", []string{
		`{"type":"progress","data":{"value":5,"max":10}}`,
		`{"type":"executing","data":{"node":null}}`,
	}, []map[string]any{{"filename": "out.png", "subfolder": ""}})
	defer srv.Close()

	driver, store, _ := newTestDriver(t, srv)
	ctx := context.Background()

	j := &jobstore.Job{JobID: "job-1", Kind: "image-from-text", TemplateName: "basic", Params: map[string]any{"seed": float64(7)}}
	require.NoError(t, store.Create(ctx, j))

	err := driver.Run(ctx, j)
	require.NoError(t, err)

	got, err := store.ReadByID(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	require.Equal(t, "out.png", got.Results[0].LocalPath)
}

func TestRunFailsOnUnknownTemplate(t *testing.T) {
	srv := newFakeNode(t, "prompt-2", nil, nil)
	defer srv.Close()

	driver, store, _ := newTestDriver(t, srv)
	ctx := context.Background()

	j := &jobstore.Job{JobID: "job-2", Kind: "image-from-text", TemplateName: "does-not-exist"}
	require.NoError(t, store.Create(ctx, j))

	err := driver.Run(ctx, j)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, KindParams, f.Kind)
}

func TestRunFailsWithNoOutputOnEmptyHistory(t *testing.T) {
	srv := newFakeNode(t, "prompt-3", []string{
		`{"type":"executing","data":{"node":null}}`,
	}, []map[string]any{})
	defer srv.Close()

	driver, store, _ := newTestDriver(t, srv)
	ctx := context.Background()

	j := &jobstore.Job{JobID: "job-3", Kind: "image-from-text", TemplateName: "basic"}
	require.NoError(t, store.Create(ctx, j))

	err := driver.Run(ctx, j)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, KindNoOutput, f.Kind)
}

func TestRunFailsWithExecutionErrorOnWebsocketErrorMessage(t *testing.T) {
	srv := newFakeNode(t, "prompt-4", []string{
		`{"type":"execution_error","data":{}}`,
	}, []map[string]any{{"filename": "out.png", "subfolder": ""}})
	defer srv.Close()

	driver, store, _ := newTestDriver(t, srv)
	ctx := context.Background()

	j := &jobstore.Job{JobID: "job-4", Kind: "image-from-text", TemplateName: "basic"}
	require.NoError(t, store.Create(ctx, j))

	err := driver.Run(ctx, j)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, KindExecution, f.Kind)
}

func TestRunIgnoresMalformedFramesAndContinues(t *testing.T) {
	srv := newFakeNode(t, "prompt-5", []string{
		`not json at all`,
		`{"type":"unknown_type","data":{}}`,
		`{"type":"executing","data":{"node":null}}`,
	}, []map[string]any{{"filename": "out.png", "subfolder": ""}})
	defer srv.Close()

	driver, store, _ := newTestDriver(t, srv)
	ctx := context.Background()

	j := &jobstore.Job{JobID: "job-5", Kind: "image-from-text", TemplateName: "basic"}
	require.NoError(t, store.Create(ctx, j))

	require.NoError(t, driver.Run(ctx, j))
}

func TestFailureRetriableClassification(t *testing.T) {
	require.True(t, KindNoNode.Retriable())
	require.True(t, KindSubmit.Retriable())
	require.True(t, KindTimeout.Retriable())
	require.False(t, KindParams.Retriable())
	require.False(t, KindExecution.Retriable())
	require.False(t, KindNoOutput.Retriable())
}
