// Copyright 2025 James Ross
package api

import "time"

// SubmitResponse is returned by POST /jobs/text-to-image and
// POST /jobs/image-to-video.
type SubmitResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	EstimatedTimeS  int    `json:"estimated_time_s"`
}

// JobResponse is returned by GET /jobs/{id}.
type JobResponse struct {
	JobID       string      `json:"job_id"`
	Kind        string      `json:"kind"`
	Status      string      `json:"status"`
	Progress    float64     `json:"progress"`
	Message     string      `json:"message,omitempty"`
	Error       *ErrorBody  `json:"error,omitempty"`
	Results     []string    `json:"results,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ErrorBody is the client-visible failure payload, per spec.md §7.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// UploadResponse is returned by POST /uploads.
type UploadResponse struct {
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	MIME     string `json:"mime"`
}
