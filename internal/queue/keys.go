// Copyright 2025 James Ross
package queue

import "fmt"

// keys centralizes the store-level key layout from spec §3. Every name
// here is part of the wire contract: a second implementation pointed at
// the same prefix must derive identical keys to interoperate.
type keys struct {
	prefix string
}

func newKeys(prefix string) keys { return keys{prefix: prefix} }

// jobList is the FIFO of job_ids for one (queue_type, queue_id).
func (k keys) jobList(qt, qid string) string {
	return fmt.Sprintf("%s:%s:%s", k.prefix, qt, qid)
}

// payloadHash is the per-prefix hash of "qt:qid:jid" -> serialized payload.
func (k keys) payloadHash() string {
	return fmt.Sprintf("%s:payload", k.prefix)
}

func (k keys) payloadField(qt, qid, jid string) string {
	return fmt.Sprintf("%s:%s:%s", qt, qid, jid)
}

// intervalHash is the per-prefix hash of "qt:qid" -> interval ms.
func (k keys) intervalHash() string {
	return fmt.Sprintf("%s:interval", k.prefix)
}

func (k keys) intervalField(qt, qid string) string {
	return fmt.Sprintf("%s:%s", qt, qid)
}

// requeuesRemainingHash is the per-queue hash of job_id -> retries left.
func (k keys) requeuesRemainingHash(qt, qid string) string {
	return fmt.Sprintf("%s:%s:%s:requeues_remaining", k.prefix, qt, qid)
}

// readyHeap is the per-queue_type sorted set of queue_id -> next-eligible ms.
func (k keys) readyHeap(qt string) string {
	return fmt.Sprintf("%s:%s", k.prefix, qt)
}

// activeHeap is the per-queue_type sorted set of "qid:jid" -> lease-expiry ms.
func (k keys) activeHeap(qt string) string {
	return fmt.Sprintf("%s:%s:active", k.prefix, qt)
}

func (k keys) readyQueueTypeSet() string {
	return fmt.Sprintf("%s:ready:queue_type", k.prefix)
}

func (k keys) activeQueueTypeSet() string {
	return fmt.Sprintf("%s:active:queue_type", k.prefix)
}

// leaseKey is the TTL'd rate-limit sentinel for one queue.
func (k keys) leaseKey(qt, qid string) string {
	return fmt.Sprintf("%s:%s:%s:time", k.prefix, qt, qid)
}

func (k keys) globalEnqueueCounter(minuteMs int64) string {
	return fmt.Sprintf("%s:enqueue_counter:%d", k.prefix, minuteMs)
}

func (k keys) globalDequeueCounter(minuteMs int64) string {
	return fmt.Sprintf("%s:dequeue_counter:%d", k.prefix, minuteMs)
}

func (k keys) queueEnqueueCounter(qt, qid string, minuteMs int64) string {
	return fmt.Sprintf("%s:%s:%s:enqueue_counter:%d", k.prefix, qt, qid, minuteMs)
}

func (k keys) queueDequeueCounter(qt, qid string, minuteMs int64) string {
	return fmt.Sprintf("%s:%s:%s:dequeue_counter:%d", k.prefix, qt, qid, minuteMs)
}

// healthSentinel is the key the health probe writes to confirm the
// store is reachable and writable.
func (k keys) healthSentinel() string {
	return fmt.Sprintf("%s:deep_status", k.prefix)
}
