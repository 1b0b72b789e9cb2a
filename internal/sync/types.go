package sync

import "time"

// Connectivity reports whether the remote service is believed reachable
type Connectivity interface {
	IsOnline() bool
}

// SyncSummary reports the outcome of one or more collection runs
type SyncSummary struct {
	Collections []string      `json:"collections"`
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Retrying    int           `json:"retrying"`
	Failed      int           `json:"failed"`
	Conflicts   int           `json:"conflicts"`
	Pulled      int           `json:"pulled"`
	Pending     int           `json:"pending"`
	Offline     bool          `json:"offline,omitempty"`
	Joined      bool          `json:"joined,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
}

func (s *SyncSummary) merge(o SyncSummary) {
	s.Collections = append(s.Collections, o.Collections...)
	s.Attempted += o.Attempted
	s.Succeeded += o.Succeeded
	s.Retrying += o.Retrying
	s.Failed += o.Failed
	s.Conflicts += o.Conflicts
	s.Pulled += o.Pulled
	s.Pending += o.Pending
	s.Offline = s.Offline || o.Offline
	s.Joined = s.Joined || o.Joined
	s.Errors = append(s.Errors, o.Errors...)
	if s.StartedAt.IsZero() || (!o.StartedAt.IsZero() && o.StartedAt.Before(s.StartedAt)) {
		s.StartedAt = o.StartedAt
	}
	if o.Duration > s.Duration {
		s.Duration = o.Duration
	}
}

// Status is a snapshot of engine state for status endpoints
type Status struct {
	Online    bool                     `json:"online"`
	Running   bool                     `json:"running"`
	LastSync  *time.Time               `json:"lastSync,omitempty"`
	Records   map[string]int           `json:"records"`
	Queue     map[string]QueueSnapshot `json:"queue"`
	LastError string                   `json:"lastError,omitempty"`
}

// QueueSnapshot counts queue items of one collection by status
type QueueSnapshot struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}
