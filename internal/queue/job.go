// Copyright 2025 James Ross
package queue

// Job is the unit of work flowing through a queue. The engine's
// operations do not use it (Dequeue returns a DequeueResult), and the
// engine never holds a job in memory between operations - every field
// lives in the store under the keys in keys.go.
type Job struct {
	ID                string
	QueueID           string
	QueueType         string
	Payload           interface{}
	RequeuesRemaining int64
}

// EnqueueRequest bundles the arguments to Enqueue. RequeueLimit is a
// pointer so callers can omit it and fall back to the engine's
// configured default (-1 meaning unbounded is a legitimate explicit
// value, so it cannot double as "unset"). Enqueue captures whatever
// span is active in the caller's context and stashes its propagated
// trace context alongside the job, so a later Dequeue can resume the
// same trace for processing.
type EnqueueRequest struct {
	Payload      interface{}
	Interval     int64
	JobID        string
	QueueID      string
	QueueType    string
	RequeueLimit *int64
}

// DequeueResult is returned by Dequeue on success. TraceID/SpanID, when
// non-empty, identify the span Dequeue opened as a continuation of the
// trace recorded at enqueue time, letting the caller continue that trace
// through job processing.
type DequeueResult struct {
	QueueID           string
	JobID             string
	Payload           interface{}
	RequeuesRemaining int64
	TraceID           string
	SpanID            string
}
