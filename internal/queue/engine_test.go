// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeClock lets tests control NowMillis deterministically instead of
// racing against the wall clock for interval/lease expiry behavior.
type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMillis() int64 { return c.ms }

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := &fakeClock{ms: 1_700_000_000_000}
	e := New(rdb, Config{
		KeyPrefix:              "sharq",
		JobExpireInterval:      5 * time.Minute,
		DefaultJobRequeueLimit: -1,
	}, nil, nil)
	e.clock = clk
	return e, clk
}

func TestEnqueueDequeueFinish(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-1",
		Interval: 1000, Payload: map[string]interface{}{"to": "a@example.com"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, ok, err := e.Dequeue(ctx, "email")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected a job to be dequeued")
	}
	if res.QueueID != "acct-1" || res.JobID != "job-1" {
		t.Fatalf("unexpected dequeue result: %+v", res)
	}
	payload, ok := res.Payload.(map[string]interface{})
	if !ok || payload["to"] != "a@example.com" {
		t.Fatalf("unexpected payload: %#v", res.Payload)
	}

	// Queue is rate-limited and empty: nothing else to dequeue yet.
	if _, ok, err := e.Dequeue(ctx, "email"); err != nil || ok {
		t.Fatalf("expected no job available, got ok=%v err=%v", ok, err)
	}

	finished, err := e.Finish(ctx, "email", "acct-1", "job-1")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !finished {
		t.Fatal("expected finish to report the job as found")
	}

	finishedAgain, err := e.Finish(ctx, "email", "acct-1", "job-1")
	if err != nil {
		t.Fatalf("finish again: %v", err)
	}
	if finishedAgain {
		t.Fatal("expected second finish of the same job to be a no-op")
	}
}

func TestEnqueueValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	err := e.Enqueue(ctx, EnqueueRequest{QueueType: "", QueueID: "x", JobID: "j", Interval: 1})
	if !IsBadArgument(err) {
		t.Fatalf("expected BadArgumentError for empty queue_type, got %v", err)
	}

	err = e.Enqueue(ctx, EnqueueRequest{QueueType: "email", QueueID: "x", JobID: "j", Interval: 0})
	if !IsBadArgument(err) {
		t.Fatalf("expected BadArgumentError for zero interval, got %v", err)
	}

	limit := int64(-5)
	err = e.Enqueue(ctx, EnqueueRequest{QueueType: "email", QueueID: "x", JobID: "j", Interval: 1, RequeueLimit: &limit})
	if !IsBadArgument(err) {
		t.Fatalf("expected BadArgumentError for bad requeue limit, got %v", err)
	}
}

func TestDequeueRespectsInterval(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-1",
		Interval: 1000, Payload: "p1",
	}); err != nil {
		t.Fatalf("enqueue job-1: %v", err)
	}
	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-2",
		Interval: 1000, Payload: "p2",
	}); err != nil {
		t.Fatalf("enqueue job-2: %v", err)
	}

	if _, ok, err := e.Dequeue(ctx, "email"); err != nil || !ok {
		t.Fatalf("expected first dequeue to succeed: ok=%v err=%v", ok, err)
	}

	// job-2 was re-scheduled at now+interval; it should not be eligible yet.
	if _, ok, err := e.Dequeue(ctx, "email"); err != nil || ok {
		t.Fatalf("expected queue to still be rate limited: ok=%v err=%v", ok, err)
	}

	clk.ms += 1000
	res, ok, err := e.Dequeue(ctx, "email")
	if err != nil || !ok {
		t.Fatalf("expected second job after interval elapsed: ok=%v err=%v", ok, err)
	}
	if res.JobID != "job-2" {
		t.Fatalf("expected job-2, got %s", res.JobID)
	}
}

func TestInterval(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ok, err := e.Interval(ctx, "email", "acct-1", 2000)
	if err != nil {
		t.Fatalf("interval on unknown queue: %v", err)
	}
	if ok {
		t.Fatal("expected interval update on unseen queue to report ok=false")
	}

	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-1", Interval: 1000, Payload: "p",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err = e.Interval(ctx, "email", "acct-1", 2000)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if !ok {
		t.Fatal("expected interval update to report ok=true")
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	limit := int64(1)
	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-1",
		Interval: 1000, Payload: "p", RequeueLimit: &limit,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := e.Dequeue(ctx, "email"); err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	// Lease expires after jobExpireInterval (5m); advance past it without finishing.
	clk.ms += (5 * time.Minute).Milliseconds() + 1

	discards, err := e.Requeue(ctx, "email")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(discards) != 0 {
		t.Fatalf("expected job with remaining budget to be requeued, not discarded: %+v", discards)
	}

	res, ok, err := e.Dequeue(ctx, "email")
	if err != nil || !ok {
		t.Fatalf("expected requeued job to be dequeueable: ok=%v err=%v", ok, err)
	}
	if res.RequeuesRemaining != 0 {
		t.Fatalf("expected requeue budget decremented to 0, got %d", res.RequeuesRemaining)
	}

	clk.ms += (5 * time.Minute).Milliseconds() + 1
	discards, err = e.Requeue(ctx, "email")
	if err != nil {
		t.Fatalf("requeue (exhausted): %v", err)
	}
	if len(discards) != 1 || discards[0].JobID != "job-1" {
		t.Fatalf("expected job-1 to be discarded once budget is exhausted, got %+v", discards)
	}

	finished, err := e.Finish(ctx, "email", "acct-1", "job-1")
	if err != nil {
		t.Fatalf("finish discarded job: %v", err)
	}
	if !finished {
		t.Fatal("expected discarded job to still be finishable")
	}
}

func TestMetrics(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-1", Interval: 1000, Payload: "p",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := e.Dequeue(ctx, "email"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	global, err := e.GlobalMetrics(ctx)
	if err != nil {
		t.Fatalf("global metrics: %v", err)
	}
	if len(global.QueueTypes) != 1 || global.QueueTypes[0] != "email" {
		t.Fatalf("expected queue_types=[email], got %v", global.QueueTypes)
	}
	var totalEnqueue, totalDequeue int64
	for _, v := range global.Counts.Enqueue {
		totalEnqueue += v
	}
	for _, v := range global.Counts.Dequeue {
		totalDequeue += v
	}
	if totalEnqueue != 1 || totalDequeue != 1 {
		t.Fatalf("expected one enqueue and one dequeue sample, got enqueue=%d dequeue=%d", totalEnqueue, totalDequeue)
	}

	byType, err := e.QueueTypeMetrics(ctx, "email")
	if err != nil {
		t.Fatalf("queue_type metrics: %v", err)
	}
	if len(byType.QueueIDs) != 1 || byType.QueueIDs[0] != "acct-1" {
		t.Fatalf("expected queue_ids=[acct-1], got %v", byType.QueueIDs)
	}

	perQueue, err := e.QueueMetrics(ctx, "email", "acct-1")
	if err != nil {
		t.Fatalf("queue metrics: %v", err)
	}
	if perQueue.ListLength != 0 {
		t.Fatalf("expected empty list after dequeue, got length=%d", perQueue.ListLength)
	}
	var perQueueEnqueue int64
	for _, v := range perQueue.Counts.Enqueue {
		perQueueEnqueue += v
	}
	if perQueueEnqueue != 1 {
		t.Fatalf("expected one enqueue sample for acct-1, got %d", perQueueEnqueue)
	}
}

func TestClearQueue(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Enqueue(ctx, EnqueueRequest{
		QueueType: "email", QueueID: "acct-1", JobID: "job-1", Interval: 1000, Payload: "p",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := e.ClearQueue(ctx, "email", "acct-1", true)
	if err != nil {
		t.Fatalf("clear queue: %v", err)
	}
	if !ok {
		t.Fatal("expected clear queue to find acct-1 in the ready heap")
	}

	if _, ok, err := e.Dequeue(ctx, "email"); err != nil || ok {
		t.Fatalf("expected nothing left to dequeue after purge: ok=%v err=%v", ok, err)
	}
}

func TestDeepStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.DeepStatus(context.Background()); err != nil {
		t.Fatalf("deep status: %v", err)
	}
}
