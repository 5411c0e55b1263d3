// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// Job is the descriptor enqueued by HTTP intake once the Job Store write
// succeeds, and dequeued by the Worker Pool. It carries only what the
// worker needs to look up the full record; parameters live in the Job
// Store, not on the queue entry.
type Job struct {
	JobID        string `json:"job_id"`
	Kind         string `json:"kind"`
	Priority     int    `json:"priority"`
	Retries      int    `json:"retries"`
	CreationTime string `json:"creation_time"`
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
}

// NewJob builds a queue descriptor for a freshly persisted job.
func NewJob(jobID, kind string, priority int, traceID, spanID string) Job {
	return Job{
		JobID:        jobID,
		Kind:         kind,
		Priority:     priority,
		Retries:      0,
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      traceID,
		SpanID:       spanID,
	}
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// priorityClass buckets an integer priority into the two best-effort
// classes the backing lists implement. Strict ordering across priority
// values is not guaranteed, only FIFO within a class.
func priorityClass(priority int) string {
	if priority > 0 {
		return "high"
	}
	return "normal"
}
