// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/plivo/sharq/internal/breaker"
	"github.com/plivo/sharq/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine is the entry point for all five atomic operations plus the
// metrics and admin helpers. Every method validates its arguments
// in-process (returning a *BadArgumentError without touching the store)
// before reaching the store, so a failed validation never leaves partial
// state behind. The five operations and ClearQueue each run as a single
// Lua script; the metrics helpers, DeepStatus and Ping issue plain
// commands.
type Engine struct {
	rdb                    *redis.Client
	keys                   keys
	clock                  Clock
	log                    *zap.Logger
	cb                     *breaker.CircuitBreaker
	jobExpireInterval      int64 // ms
	defaultJobRequeueLimit int64
}

// Config bundles the settings an Engine needs beyond a redis client.
type Config struct {
	KeyPrefix              string
	JobExpireInterval      time.Duration
	DefaultJobRequeueLimit int64
}

// New constructs an Engine. cb may be nil, in which case the circuit
// breaker is skipped and every call reaches the store directly.
func New(rdb *redis.Client, cfg Config, log *zap.Logger, cb *breaker.CircuitBreaker) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		rdb:                    rdb,
		keys:                   newKeys(cfg.KeyPrefix),
		clock:                  SystemClock{},
		log:                    log,
		cb:                     cb,
		jobExpireInterval:      cfg.JobExpireInterval.Milliseconds(),
		defaultJobRequeueLimit: cfg.DefaultJobRequeueLimit,
	}
}

// BackendUnavailableError wraps a store-level failure, distinguishing it
// from a validation failure (*BadArgumentError) or a normal empty result.
type BackendUnavailableError struct {
	Op  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("sharq: %s: backend unavailable: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// run executes fn, recording the outcome against the circuit breaker
// (when configured) and translating a blocked-by-breaker condition or a
// redis-level error into a BackendUnavailableError.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if e.cb != nil && !e.cb.Allow() {
		return &BackendUnavailableError{Op: op, Err: fmt.Errorf("circuit breaker open")}
	}
	start := time.Now()
	err := fn(ctx)
	obs.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if e.cb != nil {
		prev := e.cb.State()
		e.cb.Record(err == nil)
		state := e.cb.State()
		if state == breaker.Open && prev != breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
		obs.CircuitBreakerState.Set(float64(state))
	}
	if err != nil {
		return &BackendUnavailableError{Op: op, Err: err}
	}
	return nil
}

// encodeTraceCarrier flattens a W3C propagator carrier map into a single
// string so it can travel as a Lua script argument and be stored in the
// trace hash alongside the job's payload. Propagator carrier keys
// (traceparent, tracestate, baggage) never contain '=' and carrier values
// never contain newlines, and decoding splits each line at its first '=',
// so this is a safe, reversible encoding without pulling in a full
// serializer.
func encodeTraceCarrier(carrier map[string]string) string {
	if len(carrier) == 0 {
		return ""
	}
	parts := make([]string, 0, len(carrier))
	for k, v := range carrier {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "\n")
}

func decodeTraceCarrier(s string) map[string]string {
	carrier := map[string]string{}
	if s == "" {
		return carrier
	}
	for _, line := range strings.Split(s, "\n") {
		if i := strings.IndexByte(line, '='); i > 0 {
			carrier[line[:i]] = line[i+1:]
		}
	}
	return carrier
}

func validateIdentifiers(queueType, queueID string) error {
	if !IsValidIdentifier(queueType) {
		return badArgument("queue_type")
	}
	if !IsValidIdentifier(queueID) {
		return badArgument("queue_id")
	}
	return nil
}

// Enqueue appends a job to (queue_type, queue_id)'s FIFO, making the
// queue eligible for dequeue immediately if it is not already rate
// limited or in-flight.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) error {
	if err := validateIdentifiers(req.QueueType, req.QueueID); err != nil {
		return err
	}
	if !IsValidIdentifier(req.JobID) {
		return badArgument("job_id")
	}
	if !IsValidInterval(req.Interval) {
		return badArgument("interval")
	}
	requeueLimit := e.defaultJobRequeueLimit
	if req.RequeueLimit != nil {
		requeueLimit = *req.RequeueLimit
	}
	if !IsValidRequeueLimit(requeueLimit) {
		return badArgument("requeue_limit")
	}
	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return err
	}

	ctx, span := obs.StartEnqueueSpan(ctx, req.QueueType, req.QueueID)
	defer span.End()

	// Capture whatever trace context is live on this span so a later
	// Dequeue can resume it; job metadata is the only channel available
	// since enqueue and dequeue may run in entirely different processes.
	traceCarrier := encodeTraceCarrier(obs.InjectTraceContext(ctx))

	err = e.run(ctx, "enqueue", func(ctx context.Context) error {
		now := e.clock.NowMillis()
		return enqueueScript.Run(ctx, e.rdb,
			[]string{e.keys.prefix, req.QueueType},
			now, req.QueueID, req.JobID, payload, req.Interval, requeueLimit, traceCarrier,
		).Err()
	})
	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	obs.EnqueueTotal.WithLabelValues(req.QueueType).Inc()
	obs.SetSpanSuccess(ctx)
	e.log.Debug("enqueued job",
		zap.String("queue_type", req.QueueType), zap.String("queue_id", req.QueueID), zap.String("job_id", req.JobID))
	return nil
}

// Dequeue claims the next eligible job for queue_type across all of its
// queue_ids, leasing it for jobExpireInterval. ok is false when nothing
// is currently eligible (not an error).
func (e *Engine) Dequeue(ctx context.Context, queueType string) (result DequeueResult, ok bool, err error) {
	if !IsValidIdentifier(queueType) {
		return DequeueResult{}, false, badArgument("queue_type")
	}

	ctx, span := obs.StartDequeueSpan(ctx, queueType)
	defer span.End()

	var raw []interface{}
	runErr := e.run(ctx, "dequeue", func(ctx context.Context) error {
		now := e.clock.NowMillis()
		v, err := dequeueScript.Run(ctx, e.rdb,
			[]string{e.keys.prefix, queueType},
			now, e.jobExpireInterval,
		).Slice()
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if runErr != nil {
		obs.RecordError(ctx, runErr)
		obs.DequeueTotal.WithLabelValues(queueType, "error").Inc()
		return DequeueResult{}, false, runErr
	}
	if len(raw) == 0 {
		obs.DequeueTotal.WithLabelValues(queueType, "empty").Inc()
		obs.SetSpanSuccess(ctx)
		return DequeueResult{}, false, nil
	}

	qid, _ := raw[0].(string)
	jid, _ := raw[1].(string)
	payloadRaw, _ := raw[2].(string)
	payload, err := DecodePayload([]byte(payloadRaw))
	if err != nil {
		return DequeueResult{}, false, err
	}
	requeuesRemaining := int64(-1)
	if s, ok := raw[3].(string); ok {
		fmt.Sscanf(s, "%d", &requeuesRemaining)
	}
	var traceCarrierRaw string
	if len(raw) > 4 {
		traceCarrierRaw, _ = raw[4].(string)
	}

	obs.DequeueTotal.WithLabelValues(queueType, "success").Inc()
	obs.SetSpanSuccess(ctx)

	traceID, spanID := e.resumeJobTrace(ctx, queueType, qid, jid, traceCarrierRaw, requeuesRemaining)

	return DequeueResult{
		QueueID:           qid,
		JobID:             jid,
		Payload:           payload,
		RequeuesRemaining: requeuesRemaining,
		TraceID:           traceID,
		SpanID:            spanID,
	}, true, nil
}

// resumeJobTrace rebuilds the producer's trace context from the carrier
// stashed at enqueue time and opens a short-lived span marking the
// handoff to this worker, so the job's processing shows up as a
// continuation of the producer's trace rather than an orphaned span.
// It returns the ids of that span for the caller to continue tracing
// downstream; both are empty when the job carried no trace context
// (legacy payload, or tracing was disabled at enqueue time).
func (e *Engine) resumeJobTrace(ctx context.Context, queueType, queueID, jobID, traceCarrierRaw string, requeuesRemaining int64) (traceID, spanID string) {
	carrier := decodeTraceCarrier(traceCarrierRaw)
	if len(carrier) == 0 {
		return "", ""
	}

	jobCtx := obs.ExtractTraceContext(ctx, carrier)
	remoteSC := trace.SpanContextFromContext(jobCtx)
	if !remoteSC.IsValid() {
		return "", ""
	}

	jobCtx, jobSpan := obs.ContextWithJobSpan(jobCtx, "dequeue", queueType, queueID, jobID,
		remoteSC.TraceID().String(), remoteSC.SpanID().String())
	obs.AddSpanAttributes(jobCtx, obs.KeyValue("sharq.requeues_remaining", requeuesRemaining))
	obs.AddEvent(jobCtx, "job.claimed")
	obs.SetSpanSuccess(jobCtx)
	traceID, spanID = obs.GetTraceAndSpanID(jobCtx)
	jobSpan.End()

	return traceID, spanID
}

// Finish marks a claimed job complete, releasing its active-heap lease
// and deleting its payload. ok is false if the job was not found
// in-flight (already finished, or never dequeued).
func (e *Engine) Finish(ctx context.Context, queueType, queueID, jobID string) (ok bool, err error) {
	if err := validateIdentifiers(queueType, queueID); err != nil {
		return false, err
	}
	if !IsValidIdentifier(jobID) {
		return false, badArgument("job_id")
	}

	var removed int64
	runErr := e.run(ctx, "finish", func(ctx context.Context) error {
		v, err := finishScript.Run(ctx, e.rdb,
			[]string{e.keys.prefix, queueType},
			queueID, jobID,
		).Int64()
		if err != nil {
			return err
		}
		removed = v
		return nil
	})
	if runErr != nil {
		obs.FinishTotal.WithLabelValues(queueType, "error").Inc()
		return false, runErr
	}
	if removed == 0 {
		obs.FinishTotal.WithLabelValues(queueType, "not_found").Inc()
		return false, nil
	}
	obs.FinishTotal.WithLabelValues(queueType, "success").Inc()
	return true, nil
}

// Interval overwrites the rate-limit interval for an existing
// (queue_type, queue_id). It is a no-op, reported via ok=false, for a
// queue that has never been enqueued to.
func (e *Engine) Interval(ctx context.Context, queueType, queueID string, interval int64) (ok bool, err error) {
	if err := validateIdentifiers(queueType, queueID); err != nil {
		return false, err
	}
	if !IsValidInterval(interval) {
		return false, badArgument("interval")
	}

	var updated int64
	runErr := e.run(ctx, "interval", func(ctx context.Context) error {
		v, err := intervalScript.Run(ctx, e.rdb,
			[]string{e.keys.intervalHash(), e.keys.intervalField(queueType, queueID)},
			interval,
		).Int64()
		if err != nil {
			return err
		}
		updated = v
		return nil
	})
	if runErr != nil {
		obs.IntervalUpdateTotal.WithLabelValues(queueType, "error").Inc()
		return false, runErr
	}
	if updated == 0 {
		obs.IntervalUpdateTotal.WithLabelValues(queueType, "not_found").Inc()
		return false, nil
	}
	obs.IntervalUpdateTotal.WithLabelValues(queueType, "success").Inc()
	return true, nil
}

// RequeueResult names one in-flight job whose lease expired before
// Finish was called and that had exhausted its requeue budget, so the
// caller (the sweeper) must Finish it explicitly to clean it up.
type RequeueResult struct {
	QueueID string
	JobID   string
}

// Requeue scans queueType's active heap for leases that expired at or
// before now, puts every job that still has requeue budget back at the
// head of its job list and into the ready heap, and returns the jobs
// that had none left for the caller to discard via Finish.
func (e *Engine) Requeue(ctx context.Context, queueType string) ([]RequeueResult, error) {
	if !IsValidIdentifier(queueType) {
		return nil, badArgument("queue_type")
	}

	var result []interface{}
	runErr := e.run(ctx, "requeue", func(ctx context.Context) error {
		now := e.clock.NowMillis()
		v, err := requeueScript.Run(ctx, e.rdb,
			[]string{e.keys.prefix, queueType},
			now,
		).Slice()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if runErr != nil {
		return nil, runErr
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("sharq: requeue: unexpected result shape")
	}

	raw, _ := result[0].([]interface{})
	discards := make([]RequeueResult, 0, len(raw))
	for _, m := range raw {
		member, _ := m.(string)
		sep := -1
		for i := 0; i < len(member); i++ {
			if member[i] == ':' {
				sep = i
				break
			}
		}
		if sep < 0 {
			continue
		}
		discards = append(discards, RequeueResult{QueueID: member[:sep], JobID: member[sep+1:]})
	}

	var requeued int64
	switch v := result[1].(type) {
	case int64:
		requeued = v
	case string:
		fmt.Sscanf(v, "%d", &requeued)
	}
	if requeued > 0 {
		obs.RequeueTotal.WithLabelValues(queueType).Add(float64(requeued))
		obs.SweeperRequeued.Add(float64(requeued))
	}
	return discards, nil
}

// MinuteCounts is a set of up to ten one-minute enqueue/dequeue sample
// buckets, oldest last, matching the window the metrics script scans.
type MinuteCounts struct {
	Enqueue map[int64]int64
	Dequeue map[int64]int64
}

func (e *Engine) metrics(ctx context.Context, base string) (MinuteCounts, error) {
	var raw []interface{}
	runErr := e.run(ctx, "metrics", func(ctx context.Context) error {
		now := e.clock.NowMillis()
		v, err := metricsScript.Run(ctx, e.rdb, []string{base}, now).Slice()
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if runErr != nil {
		return MinuteCounts{}, runErr
	}
	out := MinuteCounts{Enqueue: map[int64]int64{}, Dequeue: map[int64]int64{}}
	if len(raw) != 2 {
		return out, nil
	}
	fill := func(dst map[int64]int64, rows interface{}) {
		arr, ok := rows.([]interface{})
		if !ok {
			return
		}
		for i := 0; i+1 < len(arr); i += 2 {
			minuteStr, _ := arr[i].(string)
			var minute int64
			fmt.Sscanf(minuteStr, "%d", &minute)
			var count int64
			if s, ok := arr[i+1].(string); ok {
				fmt.Sscanf(s, "%d", &count)
			}
			dst[minute] = count
		}
	}
	fill(out.Enqueue, raw[0])
	fill(out.Dequeue, raw[1])
	return out, nil
}

// GlobalMetricsResult is the metrics(none) shape from spec §4.7: the set
// of every queue_type with ready or in-flight work, plus the last ten
// minutes of global enqueue/dequeue activity.
type GlobalMetricsResult struct {
	QueueTypes []string
	Counts     MinuteCounts
}

// GlobalMetrics returns the union of queue_types present in the ready or
// active sets, and the last ten minutes of enqueue/dequeue activity
// across every queue_type.
func (e *Engine) GlobalMetrics(ctx context.Context) (GlobalMetricsResult, error) {
	counts, err := e.metrics(ctx, e.keys.prefix)
	if err != nil {
		return GlobalMetricsResult{}, err
	}
	queueTypes, err := e.unionMembers(ctx, e.keys.readyQueueTypeSet(), e.keys.activeQueueTypeSet())
	if err != nil {
		return GlobalMetricsResult{}, err
	}
	return GlobalMetricsResult{QueueTypes: queueTypes, Counts: counts}, nil
}

// unionMembers returns the deduplicated union of the members of the
// given Redis sets.
func (e *Engine) unionMembers(ctx context.Context, setKeys ...string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, setKey := range setKeys {
		members, err := e.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// QueueTypeMetricsResult is the metrics(queue_type) shape from spec
// §4.7: the union of queue_ids that are either scheduled in the ready
// heap or have an in-flight lease for queueType.
type QueueTypeMetricsResult struct {
	QueueIDs []string
}

// QueueTypeMetrics returns the union of queue_ids that are members of
// the ready heap for queueType or appear (by prefix) in its active
// heap. Unlike GlobalMetrics/QueueMetrics this shape carries no minute
// counts: spec §4.7 defines no per-queue_type counter keys, only global
// and per-(queue_type, queue_id) ones.
func (e *Engine) QueueTypeMetrics(ctx context.Context, queueType string) (QueueTypeMetricsResult, error) {
	if !IsValidIdentifier(queueType) {
		return QueueTypeMetricsResult{}, badArgument("queue_type")
	}

	readyQIDs, err := e.rdb.ZRange(ctx, e.keys.readyHeap(queueType), 0, -1).Result()
	if err != nil {
		return QueueTypeMetricsResult{}, err
	}

	activeMembers, err := e.rdb.ZRange(ctx, e.keys.activeHeap(queueType), 0, -1).Result()
	if err != nil {
		return QueueTypeMetricsResult{}, err
	}

	seen := make(map[string]struct{}, len(readyQIDs))
	qids := make([]string, 0, len(readyQIDs)+len(activeMembers))
	for _, qid := range readyQIDs {
		if _, ok := seen[qid]; ok {
			continue
		}
		seen[qid] = struct{}{}
		qids = append(qids, qid)
	}
	for _, member := range activeMembers {
		sep := -1
		for i := 0; i < len(member); i++ {
			if member[i] == ':' {
				sep = i
				break
			}
		}
		if sep < 0 {
			continue
		}
		qid := member[:sep]
		if _, ok := seen[qid]; ok {
			continue
		}
		seen[qid] = struct{}{}
		qids = append(qids, qid)
	}
	return QueueTypeMetricsResult{QueueIDs: qids}, nil
}

// QueueMetricsResult is the metrics(queue_type, queue_id) shape from
// spec §4.7: the queue's current pending job-list length and its last
// ten minutes of enqueue/dequeue activity.
type QueueMetricsResult struct {
	ListLength int64
	Counts     MinuteCounts
}

// QueueMetrics returns the current list length and the last ten
// minutes of activity for a single (queue_type, queue_id).
func (e *Engine) QueueMetrics(ctx context.Context, queueType, queueID string) (QueueMetricsResult, error) {
	if err := validateIdentifiers(queueType, queueID); err != nil {
		return QueueMetricsResult{}, err
	}
	counts, err := e.metrics(ctx, fmt.Sprintf("%s:%s:%s", e.keys.prefix, queueType, queueID))
	if err != nil {
		return QueueMetricsResult{}, err
	}
	length, err := e.rdb.LLen(ctx, e.keys.jobList(queueType, queueID)).Result()
	if err != nil {
		return QueueMetricsResult{}, err
	}
	return QueueMetricsResult{ListLength: length, Counts: counts}, nil
}

// ClearQueue removes queue_id from queueType's ready heap so it stops
// being scheduled. When purgeAll is true and the queue was in the ready
// heap, the job list, payloads, interval and requeue bookkeeping for the
// queue are deleted outright; otherwise they are left in place. ok
// reports whether the queue was found in the ready heap.
func (e *Engine) ClearQueue(ctx context.Context, queueType, queueID string, purgeAll bool) (ok bool, err error) {
	if err := validateIdentifiers(queueType, queueID); err != nil {
		return false, err
	}
	purgeArg := "0"
	if purgeAll {
		purgeArg = "1"
	}
	var removed int64
	runErr := e.run(ctx, "clear_queue", func(ctx context.Context) error {
		v, err := clearQueueScript.Run(ctx, e.rdb,
			[]string{e.keys.prefix, queueType},
			queueID, purgeArg,
		).Int64()
		if err != nil {
			return err
		}
		removed = v
		return nil
	})
	if runErr != nil {
		return false, runErr
	}
	return removed == 1, nil
}

// SampleQueueLengths reports the pending-job-list length of every
// queue_id in the ready heap of each queue_type found in the ready or
// active queue_type sets, for gauge sampling by the observability layer.
// A queue_id present only in an active heap is not sampled.
func (e *Engine) SampleQueueLengths(ctx context.Context) (map[[2]string]int64, error) {
	queueTypes := map[string]struct{}{}
	for _, setKey := range []string{e.keys.readyQueueTypeSet(), e.keys.activeQueueTypeSet()} {
		members, err := e.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return nil, err
		}
		for _, qt := range members {
			queueTypes[qt] = struct{}{}
		}
	}

	out := map[[2]string]int64{}
	for qt := range queueTypes {
		qids, err := e.rdb.ZRange(ctx, e.keys.readyHeap(qt), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, qid := range qids {
			n, err := e.rdb.LLen(ctx, e.keys.jobList(qt, qid)).Result()
			if err != nil {
				return nil, err
			}
			out[[2]string{qt, qid}] = n
		}
	}
	return out, nil
}

// DeepStatus confirms the store is reachable and writable by round
// tripping a sentinel key, returning the observed latency.
func (e *Engine) DeepStatus(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := e.run(ctx, "deep_status", func(ctx context.Context) error {
		return e.rdb.Set(ctx, e.keys.healthSentinel(), start.UnixNano(), time.Minute).Err()
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Ping is a lighter liveness probe than DeepStatus, suitable for a
// readiness callback that runs on every health check request.
func (e *Engine) Ping(ctx context.Context) error {
	return e.rdb.Ping(ctx).Err()
}
