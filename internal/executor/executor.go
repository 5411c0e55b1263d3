// Copyright 2025 James Ross
// Package executor drives a single job through the backend inference
// node's submit/monitor/harvest protocol, per spec.md §4.J.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/balancer"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/paramengine"
	"github.com/flyingrobots/go-redis-work-queue/internal/template"
)

// FailureKind is the structured error taxonomy of spec.md §7.
type FailureKind string

const (
	KindParams    FailureKind = "params"
	KindNoNode    FailureKind = "no-node"
	KindSubmit    FailureKind = "submit"
	KindExecution FailureKind = "execution"
	KindTimeout   FailureKind = "timeout"
	KindNoOutput  FailureKind = "no-output"
)

// Retriable reports whether the worker should requeue a job that
// failed with this kind.
func (k FailureKind) Retriable() bool {
	switch k {
	case KindNoNode, KindSubmit, KindTimeout:
		return true
	default:
		return false
	}
}

// Failure wraps a driver step failure with its taxonomy kind.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind FailureKind, msg string, err error) *Failure {
	return &Failure{Kind: kind, Message: msg, Err: err}
}

// FileDownload is one node-side download instruction per spec.md §6.
type FileDownload struct {
	DownloadURL string `json:"download_url"`
	AuthToken   string `json:"auth_token"` // presented as "Authorization: Bearer <token>" when fetching
	LocalPath   string `json:"local_path"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	TargetField string `json:"target_field"` // "<graph-node-id>.inputs.<field-name>"
}

// PreflightFunc resolves input-file placement for a job, returning the
// rewritten relative path to store in the graph plus zero-or-more
// download instructions for the assigned node to fetch. graph is the
// already-resolved template so the func can target the right
// LoadImage-style node in its FileDownload.TargetField. Returns a nil
// slice for jobs with no external inputs (e.g. image-from-text).
type PreflightFunc func(ctx context.Context, j *jobstore.Job, node *nodefleet.Node, graph template.Graph) (rewrittenPath string, downloads []FileDownload, err error)

// Driver runs the per-job state machine.
type Driver struct {
	Templates  *template.Registry
	Params     *paramengine.Engine
	Nodes      *nodefleet.Manager
	Balancer   *balancer.Balancer
	Store      *jobstore.Store
	Preflight  PreflightFunc
	HTTPClient *http.Client
	Log        *zap.Logger

	MonitorDeadlines map[string]time.Duration
	NodeSelectBackoffBase time.Duration
	NodeSelectBackoffMax  time.Duration
	NodeSelectCap         time.Duration

	FleetMode bool

	// progressWriteInterval rate-limits progress writes to the job store.
	progressWriteInterval time.Duration
}

// New builds a Driver whose progress writes are rate-limited to one
// every 2 seconds.
func New(templates *template.Registry, params *paramengine.Engine, nodes *nodefleet.Manager, bal *balancer.Balancer, store *jobstore.Store, preflight PreflightFunc, httpClient *http.Client, log *zap.Logger) *Driver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Driver{
		Templates:             templates,
		Params:                params,
		Nodes:                 nodes,
		Balancer:              bal,
		Store:                 store,
		Preflight:             preflight,
		HTTPClient:            httpClient,
		Log:                   log,
		progressWriteInterval: 2 * time.Second,
	}
}

// promptResponse is the backend node's POST /prompt reply.
type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Error    string `json:"error,omitempty"`
}

type historyOutput struct {
	Images []struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
	} `json:"images"`
}

type historyEntry struct {
	Outputs map[string]historyOutput `json:"outputs"`
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node *string `json:"node"`
}

type progressData struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// Run drives job j end to end. It always releases the node assignment
// on return, regardless of outcome.
func (d *Driver) Run(ctx context.Context, j *jobstore.Job) error {
	graph, err := d.resolveParams(ctx, j)
	if err != nil {
		return err
	}

	node, err := d.selectNode(ctx, j)
	if err != nil {
		return err
	}
	defer d.Nodes.Release(node.ID, j.JobID)

	var downloads []FileDownload
	if d.Preflight != nil {
		rewritten, dls, err := d.Preflight(ctx, j, node, graph)
		if err != nil {
			return fail(KindParams, "preflight file resolution failed", err)
		}
		downloads = dls
		applyRewrittenInputPath(graph, rewritten)
	}

	promptID, err := d.submit(ctx, node, graph, downloads)
	if err != nil {
		return err
	}

	if err := d.monitor(ctx, j, node, promptID); err != nil {
		return err
	}

	results, err := d.harvest(ctx, node, promptID)
	if err != nil {
		return err
	}

	return d.Store.AttachResults(ctx, j.JobID, results)
}

func (d *Driver) resolveParams(ctx context.Context, j *jobstore.Job) (template.Graph, error) {
	sctx, span := obs.StartDriverSpan(ctx, "resolve-params", j.JobID, "")
	defer span.End()

	graph, err := d.Params.Process(j.TemplateName, j.Params)
	if err != nil {
		obs.RecordError(sctx, err)
		return nil, fail(KindParams, "parameter resolution failed", err)
	}
	obs.SetSpanSuccess(sctx)
	return graph, nil
}

func (d *Driver) selectNode(ctx context.Context, j *jobstore.Job) (*nodefleet.Node, error) {
	sctx, span := obs.StartDriverSpan(ctx, "select-node", j.JobID, "")
	defer span.End()

	backoff := d.NodeSelectBackoffBase
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	backoffCap := d.NodeSelectCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	maxBackoff := d.NodeSelectBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}

	var waited time.Duration
	for {
		candidates := d.Nodes.GetAvailable(j.Kind)
		node := d.Balancer.Select(candidates, j.Kind)
		if node != nil {
			if err := d.Nodes.Assign(node.ID, j.JobID); err != nil {
				continue
			}
			obs.SetSpanSuccess(sctx)
			return node, nil
		}

		if waited >= backoffCap {
			err := fail(KindNoNode, "no available node within backoff cap", nil)
			obs.RecordError(sctx, err)
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fail(KindNoNode, "context cancelled while waiting for a node", ctx.Err())
		case <-time.After(backoff):
		}
		waited += backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func applyRewrittenInputPath(graph template.Graph, rewritten string) {
	if rewritten == "" {
		return
	}
	for _, node := range graph {
		if _, ok := node.Inputs["image"]; ok {
			node.Inputs["image"] = rewritten
		}
	}
}

func (d *Driver) submit(ctx context.Context, node *nodefleet.Node, graph template.Graph, downloads []FileDownload) (string, error) {
	sctx, span := obs.StartDriverSpan(ctx, "submit", "", node.ID)
	defer span.End()

	payload := map[string]any{"prompt": graph}
	if len(downloads) > 0 {
		payload["file_downloads"] = downloads
	}
	body, err := json.Marshal(payload)
	if err != nil {
		err = fail(KindSubmit, "marshal submission payload", err)
		obs.RecordError(sctx, err)
		return "", err
	}

	breaker := d.Nodes.Breaker(node.ID)
	if breaker != nil && !breaker.Allow() {
		err := fail(KindSubmit, "circuit open for node "+node.ID, nil)
		obs.RecordError(sctx, err)
		return "", err
	}

	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(submitCtx, http.MethodPost, node.URL()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fail(KindSubmit, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		if breaker != nil {
			breaker.Record(false)
		}
		err = fail(KindSubmit, "transport error submitting to node", err)
		obs.RecordError(sctx, err)
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		if breaker != nil {
			breaker.Record(false)
		}
		err := fail(KindSubmit, fmt.Sprintf("node returned %d", resp.StatusCode), nil)
		obs.RecordError(sctx, err)
		return "", err
	}
	if breaker != nil {
		breaker.Record(true)
	}
	if resp.StatusCode != http.StatusOK {
		err := &Failure{Kind: KindSubmit, Message: fmt.Sprintf("node rejected graph with %d", resp.StatusCode)}
		obs.RecordError(sctx, err)
		return "", err
	}

	var pr promptResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		err = fail(KindSubmit, "parse prompt response", err)
		obs.RecordError(sctx, err)
		return "", err
	}
	if pr.PromptID == "" {
		err := fail(KindSubmit, "empty prompt_id in response", nil)
		obs.RecordError(sctx, err)
		return "", err
	}

	obs.SetSpanSuccess(sctx)
	return pr.PromptID, nil
}

func (d *Driver) monitor(ctx context.Context, j *jobstore.Job, node *nodefleet.Node, promptID string) error {
	sctx, span := obs.StartDriverSpan(ctx, "monitor", j.JobID, node.ID)
	defer span.End()

	deadline := d.deadlineFor(j.Kind)
	monitorCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	wsURL := strings.Replace(node.URL(), "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/ws?clientId=%s", wsURL, j.JobID)

	conn, _, err := websocket.DefaultDialer.DialContext(monitorCtx, wsURL, nil)
	if err != nil {
		err = fail(KindTimeout, "dial monitor websocket", err)
		obs.RecordError(sctx, err)
		return err
	}
	defer conn.Close()

	go func() {
		<-monitorCtx.Done()
		conn.Close()
	}()

	lastProgress := -1.0
	lastWrite := time.Time{}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if monitorCtx.Err() != nil {
				err := fail(KindTimeout, "monitor loop deadline exceeded", monitorCtx.Err())
				obs.RecordError(sctx, err)
				return err
			}
			err = fail(KindExecution, "websocket read error", err)
			obs.RecordError(sctx, err)
			return err
		}

		if !utf8.Valid(raw) {
			if d.Log != nil {
				d.Log.Debug("monitor: dropped non-utf8 frame", zap.String("job_id", j.JobID))
			}
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if d.Log != nil {
				d.Log.Debug("monitor: dropped malformed frame", zap.String("job_id", j.JobID), zap.Error(err))
			}
			continue
		}

		switch msg.Type {
		case "executing":
			var ed executingData
			if err := json.Unmarshal(msg.Data, &ed); err == nil && ed.Node == nil {
				obs.SetSpanSuccess(sctx)
				return nil
			}

		case "progress":
			var pd progressData
			if err := json.Unmarshal(msg.Data, &pd); err != nil || pd.Max <= 0 {
				continue
			}
			pct := 100 * float64(pd.Value) / float64(pd.Max)
			if pct < lastProgress {
				continue
			}
			lastProgress = pct
			if time.Since(lastWrite) < d.progressWriteInterval {
				continue
			}
			lastWrite = time.Now()
			_ = d.Store.UpdateStatus(ctx, j.JobID, jobstore.Patch{Progress: &pct})

		case "execution_error":
			err := fail(KindExecution, "node reported execution_error", nil)
			obs.RecordError(sctx, err)
			return err

		default:
			// ignore unknown message types
		}
	}
}

func (d *Driver) deadlineFor(kind string) time.Duration {
	if d.MonitorDeadlines != nil {
		if dl, ok := d.MonitorDeadlines[kind]; ok && dl > 0 {
			return dl
		}
	}
	return 10 * time.Minute
}

func (d *Driver) harvest(ctx context.Context, node *nodefleet.Node, promptID string) ([]jobstore.ArtifactLocator, error) {
	sctx, span := obs.StartDriverSpan(ctx, "harvest", "", node.ID)
	defer span.End()

	harvestCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(harvestCtx, http.MethodGet, node.URL()+"/history/"+promptID, nil)
	if err != nil {
		return nil, fail(KindNoOutput, "build history request", err)
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		err = fail(KindNoOutput, "transport error fetching history", err)
		obs.RecordError(sctx, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fail(KindNoOutput, fmt.Sprintf("history request returned %d", resp.StatusCode), nil)
		obs.RecordError(sctx, err)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(KindNoOutput, "read history body", err)
	}

	var history map[string]historyEntry
	if err := json.Unmarshal(body, &history); err != nil {
		err = fail(KindNoOutput, "parse history response", err)
		obs.RecordError(sctx, err)
		return nil, err
	}

	entry, ok := history[promptID]
	if !ok {
		err := fail(KindNoOutput, "prompt id missing from history", nil)
		obs.RecordError(sctx, err)
		return nil, err
	}

	var results []jobstore.ArtifactLocator
	for _, output := range entry.Outputs {
		for _, img := range output.Images {
			if d.FleetMode {
				results = append(results, jobstore.ArtifactLocator{NodeID: node.ID, RelativePath: joinNative(img.Subfolder, img.Filename)})
			} else {
				results = append(results, jobstore.ArtifactLocator{LocalPath: joinNative(img.Subfolder, img.Filename)})
			}
		}
	}

	if len(results) == 0 {
		err := fail(KindNoOutput, "completed run produced zero outputs", nil)
		obs.RecordError(sctx, err)
		return nil, err
	}

	obs.SetSpanSuccess(sctx)
	return results, nil
}

func joinNative(subfolder, filename string) string {
	if subfolder == "" {
		return filename
	}
	return subfolder + "/" + filename
}
