package models

import (
	"encoding/json"
	"time"
)

// JobTypeBisect is the only job type workers currently execute
const JobTypeBisect = "bisect"

// ResultStatus is the outcome of one execution attempt
type ResultStatus string

const (
	StatusSuccess     ResultStatus = "success"
	StatusTestError   ResultStatus = "test_error"
	StatusSystemError ResultStatus = "system_error"
)

// Valid reports whether s is one of the known result statuses
func (s ResultStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusTestError, StatusSystemError:
		return true
	}
	return false
}

// BisectRange is the (known-good, known-bad) pair bounding a regression search
type BisectRange [2]string

// Good returns the known-good version identifier
func (r BisectRange) Good() string { return r[0] }

// Bad returns the known-bad version identifier
func (r BisectRange) Bad() string { return r[1] }

// Claim records which runner currently holds a job
type Claim struct {
	Runner    string    `json:"runner"`
	TimeBegun time.Time `json:"time_begun"`
}

// Result is one terminal outcome of an execution attempt
type Result struct {
	Runner      string       `json:"runner"`
	Status      ResultStatus `json:"status"`
	TimeBegun   time.Time    `json:"time_begun"`
	TimeEnded   time.Time    `json:"time_ended"`
	Error       string       `json:"error,omitempty"`
	BisectRange *BisectRange `json:"bisect_range,omitempty"`
}

// Job is the unit of work tracked by the broker.
// The etag is not part of the body; it travels in the ETag header.
type Job struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	BisectRange   BisectRange            `json:"bisect_range"`
	Gist          string                 `json:"gist"`
	Platform      string                 `json:"platform,omitempty"` // empty means any platform
	Current       *Claim                 `json:"current,omitempty"`
	Last          *Result                `json:"last,omitempty"`
	History       []Result               `json:"history"`
	BotClientData map[string]interface{} `json:"bot_client_data,omitempty"`
}

// Claimed reports whether a runner currently holds the job
func (j *Job) Claimed() bool {
	return j.Current != nil
}

// Available reports whether the job may be offered to a worker of the given
// platform supporting the given types
func (j *Job) Available(platform string, types []string) bool {
	if j.Current != nil || j.Last != nil {
		return false
	}
	if j.Platform != "" && j.Platform != platform {
		return false
	}
	for _, t := range types {
		if t == j.Type {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Current != nil {
		claim := *j.Current
		c.Current = &claim
	}
	if j.Last != nil {
		c.Last = j.Last.Clone()
	}
	c.History = make([]Result, len(j.History))
	for i := range j.History {
		c.History[i] = *j.History[i].Clone()
	}
	if j.BotClientData != nil {
		c.BotClientData = CopyValue(j.BotClientData).(map[string]interface{})
	}
	return &c
}

// Clone returns a deep copy of the result
func (r *Result) Clone() *Result {
	c := *r
	if r.BisectRange != nil {
		rng := *r.BisectRange
		c.BisectRange = &rng
	}
	return &c
}

// CopyValue deep-copies a decoded JSON value
func CopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = CopyValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = CopyValue(val)
		}
		return s
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// JobRequest is a type-tagged job submission
type JobRequest struct {
	Type          string                 `json:"type" validate:"required"`
	BisectRange   []string               `json:"bisect_range" validate:"required,len=2,dive,required"`
	Gist          string                 `json:"gist" validate:"required,gist"`
	Platform      string                 `json:"platform,omitempty"`
	BotClientData map[string]interface{} `json:"bot_client_data,omitempty"`
}

// CreatedJob is the response body of a successful submission
type CreatedJob struct {
	ID string `json:"id"`
}

// JobList is the response body of the list endpoint
type JobList struct {
	Jobs  []string `json:"jobs"`
	Count int      `json:"count"`
}
