// Copyright 2025 James Ross
package queue

import "testing"

func TestEnqueueRequestRequeueLimitOverride(t *testing.T) {
	limit := int64(3)
	req := EnqueueRequest{
		QueueType:    "email",
		QueueID:      "acct-1",
		JobID:        "job-1",
		Interval:     1000,
		RequeueLimit: &limit,
	}
	if req.RequeueLimit == nil || *req.RequeueLimit != 3 {
		t.Fatalf("expected explicit requeue limit to survive, got %v", req.RequeueLimit)
	}
}

func TestDequeueResultFields(t *testing.T) {
	r := DequeueResult{
		QueueID:           "acct-1",
		JobID:             "job-1",
		Payload:           map[string]interface{}{"to": "a@example.com"},
		RequeuesRemaining: -1,
	}
	if r.RequeuesRemaining != -1 {
		t.Fatalf("expected unbounded requeues sentinel, got %d", r.RequeuesRemaining)
	}
}
