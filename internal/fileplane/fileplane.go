// Copyright 2025 James Ross
// Package fileplane is the distributed file plane: ingest of client
// uploads and egress of uploads and result artifacts, per spec.md §4.I.
package fileplane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
)

// Upload is one ingested client file, per spec.md §3.
type Upload struct {
	FileID       string
	ClientID     string
	OriginalName string
	StoredPath   string // relative to the uploads root, date-partitioned
	Size         int64
	MIME         string
	Width        int
	Height       int
}

// Registry is the in-memory file-id -> Upload index. It is not
// persisted: entries live only as long as the process, and uploads are
// kept separate from jobstore because they are a narrower write pattern
// (create, read, delete) than jobs.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Upload
}

func newRegistry() *Registry {
	return &Registry{byID: make(map[string]*Upload)}
}

func (r *Registry) put(u *Upload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[u.FileID] = u
}

func (r *Registry) get(fileID string) (*Upload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[fileID]
	return u, ok
}

func (r *Registry) delete(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, fileID)
}

// cacheEntry is one proxied-read cache slot, keyed by (node-id, relative-path).
type cacheEntry struct {
	body      []byte
	mime      string
	expiresAt time.Time
}

// Plane is the File Plane: local upload storage plus proxied result reads.
type Plane struct {
	dir       string
	fleetMode bool
	nodes     *nodefleet.Manager
	httpClient *http.Client
	log       *zap.Logger

	uploads *Registry

	cacheTTL time.Duration
	cacheMax int
	cacheMu  sync.Mutex
	cache    map[string]cacheEntry

	s3Uploader *s3manager.Uploader
	s3Bucket   string
	s3Prefix   string
}

// New builds a Plane rooted at cfg.Uploads.Dir. nodes may be nil in
// single-node mode.
func New(cfg *config.Config, nodes *nodefleet.Manager, log *zap.Logger) (*Plane, error) {
	p := &Plane{
		dir:        cfg.Uploads.Dir,
		fleetMode:  cfg.Distributed.Enabled,
		nodes:      nodes,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		uploads:    newRegistry(),
		cacheTTL:   cfg.Distributed.FileCacheTTL,
		cacheMax:   cfg.Distributed.FileCacheMax,
		cache:      make(map[string]cacheEntry),
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileplane: create uploads dir: %w", err)
	}

	if cfg.Uploads.Backend == "s3" {
		sess, err := session.NewSession(&aws.Config{
			Region:   aws.String(cfg.Uploads.S3.Region),
			Endpoint: aws.String(cfg.Uploads.S3.Endpoint),
		})
		if err != nil {
			return nil, fmt.Errorf("fileplane: create s3 session: %w", err)
		}
		p.s3Uploader = s3manager.NewUploader(sess)
		p.s3Bucket = cfg.Uploads.S3.Bucket
		p.s3Prefix = cfg.Uploads.S3.Prefix
	}

	return p, nil
}

// Ingest stores an uploaded file under a date-partitioned path and
// registers it, returning the Upload record.
func (p *Plane) Ingest(ctx context.Context, clientID, originalName, mime string, r io.Reader) (*Upload, error) {
	ext := filepath.Ext(originalName)
	now := time.Now().UTC()
	suffix, err := randomHex(4)
	if err != nil {
		return nil, fmt.Errorf("fileplane: generate random suffix: %w", err)
	}
	relDir := now.Format("2006/01/02")
	relName := fmt.Sprintf("%s_%s%s", now.Format("150405"), suffix, ext)
	relPath := filepath.Join(relDir, relName)

	fullPath := filepath.Join(p.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("fileplane: create upload directory: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("fileplane: create upload file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		return nil, fmt.Errorf("fileplane: write upload: %w", err)
	}

	if p.s3Uploader != nil {
		if err := p.uploadToS3(ctx, relPath, fullPath, mime); err != nil {
			return nil, err
		}
	}

	fileID, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("fileplane: generate file id: %w", err)
	}

	u := &Upload{
		FileID:       fileID,
		ClientID:     clientID,
		OriginalName: originalName,
		StoredPath:   filepath.ToSlash(relPath),
		Size:         size,
		MIME:         mime,
	}
	p.uploads.put(u)
	return u, nil
}

func (p *Plane) uploadToS3(ctx context.Context, relPath, fullPath, mime string) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("fileplane: reopen upload for s3: %w", err)
	}
	defer f.Close()

	key := path(p.s3Prefix, relPath)
	_, err = p.s3Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(p.s3Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(mime),
	})
	if err != nil {
		return fmt.Errorf("fileplane: s3 upload %s: %w", key, err)
	}
	return nil
}

func path(prefix, relPath string) string {
	if prefix == "" {
		return relPath
	}
	return strings.TrimSuffix(prefix, "/") + "/" + relPath
}

// GetUpload returns a registered upload by file-id.
func (p *Plane) GetUpload(fileID string) (*Upload, bool) {
	return p.uploads.get(fileID)
}

// DeleteUpload removes an upload's bytes and registry entry. Only the
// owning client may call this; ownership is enforced by the caller.
func (p *Plane) DeleteUpload(fileID string) error {
	u, ok := p.uploads.get(fileID)
	if !ok {
		return fmt.Errorf("fileplane: upload %s not found", fileID)
	}
	full := filepath.Join(p.dir, filepath.FromSlash(u.StoredPath))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fileplane: delete upload file: %w", err)
	}
	p.uploads.delete(fileID)
	return nil
}

// ServeUpload streams an upload's bytes, rejecting path traversal. path
// may use either separator.
func (p *Plane) ServeUpload(w http.ResponseWriter, r *http.Request, relPath string) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	full := filepath.Join(p.dir, clean)
	http.ServeFile(w, r, full)
}

// ServeUploadByID streams an upload's bytes by registered file-id.
func (p *Plane) ServeUploadByID(w http.ResponseWriter, r *http.Request, fileID string) {
	u, ok := p.uploads.get(fileID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	p.ServeUpload(w, r, u.StoredPath)
}

// ServeResult resolves a result artifact locator and streams its
// bytes. In single-node mode localPath is an absolute path on the
// shared filesystem. In fleet mode it proxies from the named node,
// falling back to other online nodes that can serve the same path.
func (p *Plane) ServeResult(ctx context.Context, w http.ResponseWriter, r *http.Request, localPath, nodeID, relativePath string) error {
	if !p.fleetMode {
		if localPath == "" {
			return fmt.Errorf("fileplane: empty local path in single-node mode")
		}
		http.ServeFile(w, r, localPath)
		return nil
	}

	if entry, ok := p.cacheGet(nodeID, relativePath); ok {
		w.Header().Set("Content-Type", entry.mime)
		_, err := w.Write(entry.body)
		return err
	}

	tried := map[string]bool{}
	candidates := []string{nodeID}
	for _, n := range p.nodes.ListOnline() {
		if n.ID != nodeID {
			candidates = append(candidates, n.ID)
		}
	}

	var lastErr error
	for _, id := range candidates {
		if tried[id] {
			continue
		}
		tried[id] = true

		node, ok := p.nodes.Get(id)
		if !ok || node.Status != nodefleet.Online {
			continue
		}

		body, mime, err := p.fetchFromNode(ctx, node, relativePath)
		if err != nil {
			lastErr = err
			continue
		}

		p.cachePut(nodeID, relativePath, body, mime)
		w.Header().Set("Content-Type", mime)
		_, err = w.Write(body)
		return err
	}

	if lastErr != nil {
		if p.log != nil {
			p.log.Warn("fileplane: all nodes failed to serve result", zap.String("relative_path", relativePath), zap.Error(lastErr))
		}
	}
	http.NotFound(w, r)
	return nil
}

func (p *Plane) fetchFromNode(ctx context.Context, node *nodefleet.Node, relativePath string) ([]byte, string, error) {
	subfolder, filename := splitNative(relativePath)
	url := fmt.Sprintf("%s/view?filename=%s", node.URL(), filename)
	if subfolder != "" {
		url += "&subfolder=" + subfolder
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("node %s returned %d for %s", node.ID, resp.StatusCode, relativePath)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = contentTypeForExt(filename)
	}
	return body, mime, nil
}

func splitNative(relativePath string) (subfolder, filename string) {
	sep := "/"
	if strings.Contains(relativePath, "\\") {
		sep = "\\"
	}
	idx := strings.LastIndex(relativePath, sep)
	if idx < 0 {
		return "", relativePath
	}
	return relativePath[:idx], relativePath[idx+len(sep):]
}

func (p *Plane) cacheGet(nodeID, relativePath string) (cacheEntry, bool) {
	if p.cacheTTL <= 0 {
		return cacheEntry{}, false
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	key := nodeID + "\x00" + relativePath
	entry, ok := p.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (p *Plane) cachePut(nodeID, relativePath string, body []byte, mime string) {
	if p.cacheTTL <= 0 {
		return
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cacheMax > 0 && len(p.cache) >= p.cacheMax {
		for k := range p.cache {
			delete(p.cache, k)
			break
		}
	}
	key := nodeID + "\x00" + relativePath
	p.cache[key] = cacheEntry{body: body, mime: mime, expiresAt: time.Now().Add(p.cacheTTL)}
}

func contentTypeForExt(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// RunJanitor periodically removes uploads older than maxAge from disk
// and the registry, per cfg.Uploads.Janitor.
func (p *Plane) RunJanitor(ctx context.Context, maxAge, sweep time.Duration) {
	ticker := time.NewTicker(sweep)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweepOnce(maxAge)
			}
		}
	}()
}

func (p *Plane) sweepOnce(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	err := filepath.Walk(p.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil {
				if p.log != nil {
					p.log.Debug("fileplane janitor: remove failed", zap.String("path", path), zap.Error(rmErr))
				}
				return nil
			}
			if rel, relErr := filepath.Rel(p.dir, path); relErr == nil {
				rel = filepath.ToSlash(rel)
				p.uploads.mu.Lock()
				for id, u := range p.uploads.byID {
					if u.StoredPath == rel {
						delete(p.uploads.byID, id)
					}
				}
				p.uploads.mu.Unlock()
			}
		}
		return nil
	})
	if err != nil && p.log != nil {
		p.log.Warn("fileplane janitor: walk failed", zap.Error(err))
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
