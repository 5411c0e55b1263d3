// Copyright 2025 James Ross
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flyingrobots/go-redis-work-queue/internal/api"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/executor"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/nodefleet"
	"github.com/flyingrobots/go-redis-work-queue/internal/template"
)

// imageInputKey is the params field a video-from-image job carries the
// uploaded file's relative path under. Other kinds (image-from-text)
// have no external input and skip preflight entirely.
const imageInputKey = "image"

// newPreflight builds the executor.PreflightFunc that resolves an
// uploaded image's on-disk path into a signed download instruction the
// assigned node fetches before the job is submitted, per spec.md §4.J
// step 3.
func newPreflight(cfg *config.Config) executor.PreflightFunc {
	return func(ctx context.Context, j *jobstore.Job, node *nodefleet.Node, graph template.Graph) (string, []executor.FileDownload, error) {
		relPath, _ := j.Params[imageInputKey].(string)
		if relPath == "" {
			return "", nil, nil
		}

		targetField, err := findImageInput(graph)
		if err != nil {
			return "", nil, err
		}

		fullPath := filepath.Join(cfg.Uploads.Dir, filepath.FromSlash(relPath))
		var size int64
		if info, err := os.Stat(fullPath); err == nil {
			size = info.Size()
		}

		token, err := api.SignDownloadToken(cfg.Auth.DownloadTokenSecret, cfg.Auth.DownloadTokenTTL, j.JobID, relPath)
		if err != nil {
			return "", nil, fmt.Errorf("sign download token: %w", err)
		}

		downloadURL := fmt.Sprintf("%s/files/upload/path/%s", cfg.HTTP.PublicBaseURL, relPath)
		filename := filepath.Base(relPath)

		return relPath, []executor.FileDownload{{
			DownloadURL: downloadURL,
			AuthToken:   token,
			LocalPath:   relPath,
			Filename:    filename,
			FileSize:    size,
			TargetField: targetField,
		}}, nil
	}
}

// findImageInput locates the graph node whose inputs carry the image
// slot a LoadImage-style node exposes, and returns its target-field
// address in "<graph-node-id>.inputs.<field-name>" form.
func findImageInput(graph template.Graph) (string, error) {
	for id, node := range graph {
		if _, ok := node.Inputs[imageInputKey]; ok {
			return fmt.Sprintf("%s.inputs.%s", id, imageInputKey), nil
		}
	}
	return "", fmt.Errorf("no graph node accepts an %q input", imageInputKey)
}
