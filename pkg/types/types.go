// Package types defines the domain model shared by every uws-engine component.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionPhase is the lifecycle state of a job.
type ExecutionPhase string

const (
	PhasePending   ExecutionPhase = "PENDING"   // created, parameters still editable
	PhaseQueued    ExecutionPhase = "QUEUED"    // admitted, waiting for an execution slot
	PhaseHeld      ExecutionPhase = "HELD"      // parked by the service, resumable
	PhaseSuspended ExecutionPhase = "SUSPENDED" // paused mid-execution, still owns a slot
	PhaseExecuting ExecutionPhase = "EXECUTING" // a worker is running the task
	PhaseCompleted ExecutionPhase = "COMPLETED" // finished normally
	PhaseAborted   ExecutionPhase = "ABORTED"   // cancelled
	PhaseError     ExecutionPhase = "ERROR"     // failed
	PhaseArchived  ExecutionPhase = "ARCHIVED"  // results dropped, record kept
	PhaseUnknown   ExecutionPhase = "UNKNOWN"   // outside the lifecycle
)

// AllPhases lists every phase in declaration order.
var AllPhases = []ExecutionPhase{
	PhasePending, PhaseQueued, PhaseHeld, PhaseSuspended, PhaseExecuting,
	PhaseCompleted, PhaseAborted, PhaseError, PhaseArchived, PhaseUnknown,
}

// ParsePhase accepts any casing of a phase name.
func ParsePhase(s string) (ExecutionPhase, error) {
	p := ExecutionPhase(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllPhases {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown execution phase %q", s)
}

// ParamKind tells how a parameter value is shaped.
type ParamKind string

const (
	ParamScalar ParamKind = "scalar"
	ParamArray  ParamKind = "array"
	ParamFile   ParamKind = "file"
)

// FileRef points at an uploaded file stored outside the engine.
type FileRef struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

// Parameter is one declared job parameter. Order is significant.
type Parameter struct {
	Name   string    `json:"name"`
	Kind   ParamKind `json:"kind"`
	Values []string  `json:"values,omitempty"`
	File   *FileRef  `json:"file,omitempty"`
}

// Scalar builds a single-valued parameter.
func Scalar(name, value string) Parameter {
	return Parameter{Name: name, Kind: ParamScalar, Values: []string{value}}
}

// Value returns the first value, or "" for file and empty parameters.
func (p Parameter) Value() string {
	if len(p.Values) == 0 {
		return ""
	}
	return p.Values[0]
}

// Result describes one output produced by a job.
type Result struct {
	ID          string `json:"id"`
	Type        string `json:"type,omitempty"`
	Href        string `json:"href,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size"`
	Redirection bool   `json:"redirection"`
}

// ErrorType classifies a job error.
type ErrorType string

const (
	ErrorTransient ErrorType = "transient"
	ErrorFatal     ErrorType = "fatal"
)

// ErrorSummary is the public error attached to a job in ERROR.
type ErrorSummary struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	HasDetail bool      `json:"has_detail"`
}

// JobRecord is the serialized form of one job inside a backup snapshot.
type JobRecord struct {
	JobList           string         `json:"job_list"`
	ID                string         `json:"id"`
	Owner             *string        `json:"owner"`
	Phase             ExecutionPhase `json:"phase"`
	CreationTime      time.Time      `json:"creation_time"`
	StartTime         *time.Time     `json:"start_time"`
	EndTime           *time.Time     `json:"end_time"`
	DestructionTime   *time.Time     `json:"destruction_time"`
	ExecutionDuration int64          `json:"execution_duration"` // seconds, -1 = unlimited
	Quote             int64          `json:"quote"`              // seconds, -1 = unknown
	Parameters        []Parameter    `json:"parameters"`
	Results           []Result       `json:"results"`
	Error             *ErrorSummary  `json:"error,omitempty"`
}
