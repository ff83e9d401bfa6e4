package redisqueue

import "github.com/redis/go-redis/v9"

// promoteLua moves delayed jobs whose ready time passed into the waiting set.
// Expects KEYS[1]=waiting, KEYS[2]=delayed, ARGV[1]=job key prefix,
// ARGV[2]=now in ms.
const promoteLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
	local key = ARGV[1] .. id
	redis.call('ZREM', KEYS[2], id)
	local order = redis.call('HGET', key, 'order')
	if order then
		redis.call('ZADD', KEYS[1], order, id)
		redis.call('HSET', key, 'state', 'waiting')
	end
end
`

// trimLua keeps the newest keep members of a terminal set and deletes the
// job hashes of the rest.
const trimLua = `
local function trim(set, keep, prefix)
	local n = redis.call('ZCARD', set)
	if n > keep then
		local old = redis.call('ZRANGE', set, 0, n - keep - 1)
		for _, id in ipairs(old) do
			redis.call('DEL', prefix .. id)
		end
		redis.call('ZREMRANGEBYRANK', set, 0, n - keep - 1)
	end
end
`

var promoteScript = redis.NewScript(promoteLua + `
return #due
`)

// KEYS: waiting, delayed, active
// ARGV: prefix, now, lease deadline, owner
var claimScript = redis.NewScript(promoteLua + `
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
	return false
end
local id = head[1]
local key = ARGV[1] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[3], id)
local claims = redis.call('HINCRBY', key, 'claims', 1)
redis.call('HSET', key, 'state', 'active', 'owner', ARGV[4], 'leaseUntil', ARGV[3], 'startedAt', ARGV[2])
return {id, redis.call('HGET', key, 'data'), claims}
`)

// ownerCheckLua returns -1 when the job is gone and 0 when the caller does
// not hold its lease. Expects ARGV[1]=prefix, ARGV[2]=id, ARGV[3]=owner.
const ownerCheckLua = `
local key = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
	return -1
end
if redis.call('HGET', key, 'state') ~= 'active' or redis.call('HGET', key, 'owner') ~= ARGV[3] then
	return 0
end
`

// KEYS: active
// ARGV: prefix, id, owner, lease deadline
var extendScript = redis.NewScript(ownerCheckLua + `
redis.call('HSET', key, 'leaseUntil', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
return 1
`)

// ARGV: prefix, id, owner, progress
var progressScript = redis.NewScript(ownerCheckLua + `
redis.call('HSET', key, 'progress', ARGV[4])
return 1
`)

// KEYS: active, completed|failed
// ARGV: prefix, id, owner, now, state, result, reason, attempts, keep, progress
var finishScript = redis.NewScript(trimLua + ownerCheckLua + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
redis.call('HSET', key, 'state', ARGV[5], 'result', ARGV[6], 'failedReason', ARGV[7],
	'attempts', ARGV[8], 'finishedAt', ARGV[4], 'owner', '', 'leaseUntil', '0')
if ARGV[10] ~= '' then
	redis.call('HSET', key, 'progress', ARGV[10])
end
trim(KEYS[2], tonumber(ARGV[9]), ARGV[1])
return 1
`)

// KEYS: active, waiting
// ARGV: prefix, id, owner
var releaseScript = redis.NewScript(ownerCheckLua + `
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'order'), ARGV[2])
if tonumber(redis.call('HGET', key, 'claims') or '0') > 0 then
	redis.call('HINCRBY', key, 'claims', -1)
end
redis.call('HSET', key, 'state', 'waiting', 'owner', '', 'leaseUntil', '0')
return 1
`)

// KEYS: active, waiting, failed
// ARGV: prefix, now, max claims, stalled reason, keep failed
var recoverScript = redis.NewScript(trimLua + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local requeued, failed = 0, 0
for _, id in ipairs(expired) do
	local key = ARGV[1] .. id
	redis.call('ZREM', KEYS[1], id)
	local claims = tonumber(redis.call('HGET', key, 'claims') or '0')
	if claims >= tonumber(ARGV[3]) then
		redis.call('ZADD', KEYS[3], ARGV[2], id)
		redis.call('HSET', key, 'state', 'failed', 'failedReason', ARGV[4], 'result', '',
			'finishedAt', ARGV[2], 'owner', '', 'leaseUntil', '0')
		failed = failed + 1
	else
		redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'order'), id)
		redis.call('HSET', key, 'state', 'waiting', 'owner', '', 'leaseUntil', '0')
		requeued = requeued + 1
	end
end
if failed > 0 then
	trim(KEYS[3], tonumber(ARGV[5]), ARGV[1])
end
return {requeued, failed}
`)

// KEYS: completed, failed
// ARGV: prefix, cutoff
var cleanScript = redis.NewScript(`
local removed = 0
for i = 1, 2 do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', '(' .. ARGV[2])
	for _, id in ipairs(ids) do
		redis.call('DEL', ARGV[1] .. id)
	end
	removed = removed + #ids
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', '(' .. ARGV[2])
end
return removed
`)
