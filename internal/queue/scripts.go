// Copyright 2025 James Ross
package queue

import "github.com/redis/go-redis/v9"

// Each of the five core operations (plus metrics and the admin helpers)
// executes as a single server-side Lua script, giving the engine
// linearizable semantics per call without any client-side locking.

var enqueueScript = redis.NewScript(`
local prefix = KEYS[1]
local qt = KEYS[2]
local now = tonumber(ARGV[1])
local qid = ARGV[2]
local jid = ARGV[3]
local payload = ARGV[4]
local interval = tonumber(ARGV[5])
local requeue_limit = tonumber(ARGV[6])
local trace_carrier = ARGV[7]

local ready_key = prefix .. ':' .. qt
local active_key = prefix .. ':' .. qt .. ':active'
local job_list_key = prefix .. ':' .. qt .. ':' .. qid
local payload_key = prefix .. ':payload'
local trace_key = prefix .. ':trace'
local interval_key = prefix .. ':interval'
local requeue_key = prefix .. ':' .. qt .. ':' .. qid .. ':requeues_remaining'
local lease_key = prefix .. ':' .. qt .. ':' .. qid .. ':time'
local ready_qt_set = prefix .. ':ready:queue_type'

local ttl_ms = 0
local pttl = redis.call('PTTL', lease_key)
if pttl and pttl > 0 then
    ttl_ms = pttl
end

local already_ready = redis.call('ZSCORE', ready_key, qid)
local already_active = false
local active_members = redis.call('ZRANGE', active_key, 0, -1)
local qid_prefix = qid .. ':'
for _, m in ipairs(active_members) do
    if string.sub(m, 1, #qid_prefix) == qid_prefix then
        already_active = true
        break
    end
end

if not already_ready and not already_active then
    redis.call('ZADD', ready_key, now + ttl_ms, qid)
end

redis.call('RPUSH', job_list_key, jid)
redis.call('HSET', payload_key, qt .. ':' .. qid .. ':' .. jid, payload)
if trace_carrier ~= '' then
    redis.call('HSET', trace_key, qt .. ':' .. qid .. ':' .. jid, trace_carrier)
end
redis.call('HSET', interval_key, qt .. ':' .. qid, interval)
redis.call('HSET', requeue_key, jid, requeue_limit)
redis.call('SADD', ready_qt_set, qt)

local minute = math.floor(now / 60000) * 60000
local gk = prefix .. ':enqueue_counter:' .. minute
redis.call('INCR', gk)
redis.call('EXPIRE', gk, 600)
local pk = prefix .. ':' .. qt .. ':' .. qid .. ':enqueue_counter:' .. minute
redis.call('INCR', pk)
redis.call('EXPIRE', pk, 600)

return 1
`)

var dequeueScript = redis.NewScript(`
local prefix = KEYS[1]
local qt = KEYS[2]
local now = tonumber(ARGV[1])
local job_expire_interval = tonumber(ARGV[2])

local ready_key = prefix .. ':' .. qt
local ready_qt_set = prefix .. ':ready:queue_type'
local active_qt_set = prefix .. ':active:queue_type'

local top = redis.call('ZRANGE', ready_key, 0, 0, 'WITHSCORES')
if #top == 0 then
    redis.call('SREM', ready_qt_set, qt)
    return {}
end

local qid = top[1]
local score = tonumber(top[2])
if score > now then
    return {}
end

redis.call('ZREM', ready_key, qid)
if redis.call('ZCARD', ready_key) == 0 then
    redis.call('SREM', ready_qt_set, qt)
end

local job_list_key = prefix .. ':' .. qt .. ':' .. qid
local jid = redis.call('LPOP', job_list_key)
if not jid then
    return {}
end

local payload_key = prefix .. ':payload'
local payload = redis.call('HGET', payload_key, qt .. ':' .. qid .. ':' .. jid)

local trace_key = prefix .. ':trace'
local trace_carrier = redis.call('HGET', trace_key, qt .. ':' .. qid .. ':' .. jid)
if not trace_carrier then
    trace_carrier = ''
end

local requeue_key = prefix .. ':' .. qt .. ':' .. qid .. ':requeues_remaining'
local requeues_remaining = redis.call('HGET', requeue_key, jid)

local interval_key = prefix .. ':interval'
local interval = tonumber(redis.call('HGET', interval_key, qt .. ':' .. qid))
if not interval then
    interval = job_expire_interval
end

local lease_key = prefix .. ':' .. qt .. ':' .. qid .. ':time'
redis.call('SET', lease_key, '1', 'PX', interval)

local active_key = prefix .. ':' .. qt .. ':active'
redis.call('ZADD', active_key, now + job_expire_interval, qid .. ':' .. jid)
redis.call('SADD', active_qt_set, qt)

if redis.call('LLEN', job_list_key) > 0 then
    redis.call('ZADD', ready_key, now + interval, qid)
    redis.call('SADD', ready_qt_set, qt)
end

local minute = math.floor(now / 60000) * 60000
local gk = prefix .. ':dequeue_counter:' .. minute
redis.call('INCR', gk)
redis.call('EXPIRE', gk, 600)
local pk = prefix .. ':' .. qt .. ':' .. qid .. ':dequeue_counter:' .. minute
redis.call('INCR', pk)
redis.call('EXPIRE', pk, 600)

return {qid, jid, payload, requeues_remaining, trace_carrier}
`)

var finishScript = redis.NewScript(`
local prefix = KEYS[1]
local qt = KEYS[2]
local qid = ARGV[1]
local jid = ARGV[2]

local active_key = prefix .. ':' .. qt .. ':active'
local member = qid .. ':' .. jid
if redis.call('ZREM', active_key, member) == 0 then
    return 0
end

local payload_key = prefix .. ':payload'
redis.call('HDEL', payload_key, qt .. ':' .. qid .. ':' .. jid)
local trace_key = prefix .. ':trace'
redis.call('HDEL', trace_key, qt .. ':' .. qid .. ':' .. jid)
local requeue_key = prefix .. ':' .. qt .. ':' .. qid .. ':requeues_remaining'
redis.call('HDEL', requeue_key, jid)

local has_qid_active = false
local qid_prefix = qid .. ':'
for _, m in ipairs(redis.call('ZRANGE', active_key, 0, -1)) do
    if string.sub(m, 1, #qid_prefix) == qid_prefix then
        has_qid_active = true
        break
    end
end

local job_list_key = prefix .. ':' .. qt .. ':' .. qid
if not has_qid_active and redis.call('LLEN', job_list_key) == 0 then
    redis.call('HDEL', prefix .. ':interval', qt .. ':' .. qid)
end

if redis.call('ZCARD', active_key) == 0 then
    redis.call('SREM', prefix .. ':active:queue_type', qt)
end

if redis.call('HLEN', requeue_key) == 0 then
    redis.call('DEL', requeue_key)
end

return 1
`)

var intervalScript = redis.NewScript(`
local interval_hmap_key = KEYS[1]
local interval_field = KEYS[2]
local interval = ARGV[1]

if redis.call('HEXISTS', interval_hmap_key, interval_field) == 0 then
    return 0
end
redis.call('HSET', interval_hmap_key, interval_field, interval)
return 1
`)

var requeueScript = redis.NewScript(`
local prefix = KEYS[1]
local qt = KEYS[2]
local now = tonumber(ARGV[1])

local active_key = prefix .. ':' .. qt .. ':active'
local ready_key = prefix .. ':' .. qt
local ready_qt_set = prefix .. ':ready:queue_type'
local active_qt_set = prefix .. ':active:queue_type'

local expired = redis.call('ZRANGEBYSCORE', active_key, '-inf', now)
local discard = {}
local requeued = 0

for _, member in ipairs(expired) do
    local sep = string.find(member, ':')
    local qid = string.sub(member, 1, sep - 1)
    local jid = string.sub(member, sep + 1)

    local requeue_key = prefix .. ':' .. qt .. ':' .. qid .. ':requeues_remaining'
    local remaining = tonumber(redis.call('HGET', requeue_key, jid))
    if remaining == nil then
        remaining = -1
    end

    if remaining == 0 then
        table.insert(discard, member)
    else
        if remaining > 0 then
            redis.call('HINCRBY', requeue_key, jid, -1)
        end

        redis.call('LPUSH', prefix .. ':' .. qt .. ':' .. qid, jid)
        redis.call('ZREM', active_key, member)

        local existing_score = redis.call('ZSCORE', ready_key, qid)
        if not existing_score or tonumber(existing_score) > now then
            redis.call('ZADD', ready_key, now, qid)
        end
        redis.call('SADD', ready_qt_set, qt)
        requeued = requeued + 1
    end
end

if redis.call('ZCARD', active_key) == 0 then
    redis.call('SREM', active_qt_set, qt)
end

return {discard, requeued}
`)

var metricsScript = redis.NewScript(`
local base = KEYS[1]
local now = tonumber(ARGV[1])
local minute = math.floor(now / 60000) * 60000

local enqueue_details = {}
local dequeue_details = {}
for i = 0, 9 do
    local m = minute - i * 60000
    local ev = redis.call('GET', base .. ':enqueue_counter:' .. m)
    local dv = redis.call('GET', base .. ':dequeue_counter:' .. m)
    table.insert(enqueue_details, tostring(m))
    table.insert(enqueue_details, ev or false)
    table.insert(dequeue_details, tostring(m))
    table.insert(dequeue_details, dv or false)
end

return {enqueue_details, dequeue_details}
`)

var clearQueueScript = redis.NewScript(`
local prefix = KEYS[1]
local qt = KEYS[2]
local qid = ARGV[1]
local purge_all = ARGV[2]

local ready_key = prefix .. ':' .. qt
local job_list_key = prefix .. ':' .. qt .. ':' .. qid
local removed = redis.call('ZREM', ready_key, qid)

if redis.call('ZCARD', ready_key) == 0 then
    redis.call('SREM', prefix .. ':ready:queue_type', qt)
end

if removed == 1 and purge_all == '1' then
    local payload_key = prefix .. ':payload'
    local jobs = redis.call('LRANGE', job_list_key, 0, -1)
    for _, jid in ipairs(jobs) do
        redis.call('HDEL', payload_key, qt .. ':' .. qid .. ':' .. jid)
    end
    redis.call('DEL', prefix .. ':' .. qt .. ':' .. qid .. ':requeues_remaining')
    redis.call('HDEL', prefix .. ':interval', qt .. ':' .. qid)
    redis.call('DEL', job_list_key)
end

return removed
`)
