// Package progress defines the event structures emitted by the translation
// pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobReceived Stage = "JOB_RECEIVED"
	StageWorkerStart Stage = "WORKER_START"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageFetchDone   Stage = "FETCH_DONE"
	StageUploadDone  Stage = "UPLOAD_DONE"
)

// Transport labels where a job entered the service.
const (
	TransportREST = "rest"
	TransportWS   = "ws"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch and upload completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone in a translation job's life.
type Event struct {
	// JobID identifies the job. Clients may supply their own IDs over the
	// WebSocket, so this is an opaque string rather than a UUID.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or transfer milestone occurred.
	Stage Stage
	// Mode is the translation mode (lens_images or lens_text).
	Mode string
	// Transport marks how the job arrived; set on JOB_RECEIVED only.
	Transport string
	// Host scopes transfer events to the remote host label.
	Host string
	// URL is the optional source URL; it should not contain credentials.
	URL string
	// Bytes carries the transfer size for fetch and upload events.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures execution latency for transfers and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobReceived:
		if e.Transport == "" {
			return errors.New("job received requires transport")
		}
	case StageWorkerStart, StageJobDone, StageJobError:
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageUploadDone:
		if e.StatusClass == "" {
			return errors.New("upload done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for transfer events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
