package redisq

import "github.com/redis/go-redis/v9"

// enqueueScript atomically stores the job body and adds the id to the main or
// delayed set, unless the id is already pending (idempotent re-submission
// suppression).
//
// KEYS: main, delayed, scores, jobBody
// ARGV: id, body, mainScore, eligibleAtMillis, delayed(0/1), ttlSec
var enqueueScript = redis.NewScript(`
local id = ARGV[1]
if redis.call("ZSCORE", KEYS[1], id) or redis.call("ZSCORE", KEYS[2], id) then
  return 0
end
redis.call("SET", KEYS[4], ARGV[2], "EX", tonumber(ARGV[6]))
redis.call("HSET", KEYS[3], id, ARGV[3])
if ARGV[5] == "1" then
  redis.call("ZADD", KEYS[2], tonumber(ARGV[4]), id)
else
  redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), id)
end
return 1
`)

// popScript promotes due delayed jobs, then atomically moves the best-ranked
// ready job into the processing set under a lease. Returns the job id or nil.
//
// KEYS: main, delayed, scores, processing, paused
// ARGV: nowMillis, leaseDeadlineMillis
var popScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[5]) == 1 then
  return false
end
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  local score = redis.call("HGET", KEYS[3], id)
  if score then
    redis.call("ZADD", KEYS[1], tonumber(score), id)
  end
  redis.call("ZREM", KEYS[2], id)
end
local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
redis.call("ZADD", KEYS[4], tonumber(ARGV[2]), id)
return id
`)

// reapScript moves jobs whose lease deadline has passed back into the main
// set so another worker can pick them up. Returns the reaped ids.
//
// KEYS: processing, main, scores
// ARGV: nowMillis
var reapScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  local score = redis.call("HGET", KEYS[3], id)
  if score then
    redis.call("ZADD", KEYS[2], tonumber(score), id)
  end
end
return expired
`)
