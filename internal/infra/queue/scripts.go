package queue

import "github.com/go-redis/redis/v8"

// All keys of a queue share the prefix wq:{name}: so they hash to one slot.
// Times are unix milliseconds supplied by the caller.

const luaBackoff = `
local function backoff(kind, base, attempts)
  if kind == "exponential" then
    local shift = attempts - 1
    if shift > 20 then shift = 20 end
    return base * (2 ^ shift)
  elseif kind == "fixed" then
    return base
  end
  return 0
end

local function bury(p, jk, id, nowStr, ttl)
  redis.call("HSET", jk, "state", "dead", "dead_at", nowStr)
  redis.call("LPUSH", p .. "dead", id)
  if ttl > 0 then
    redis.call("PEXPIRE", jk, ttl)
  end
end
`

// ARGV: prefix, id, payload, max_attempts, backoff_kind, backoff_ms, idem, idem_ttl_ms, now, delay_ms, front
// Returns {created(0|1), job_id}.
var enqueueScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local idem = ARGV[7]
if idem ~= "" then
  local existing = redis.call("GET", p .. "idem:" .. idem)
  if existing then
    return {0, existing}
  end
end

local jk = p .. "job:" .. id
local now = tonumber(ARGV[9])
local delay = tonumber(ARGV[10])
redis.call("HSET", jk,
  "payload", ARGV[3],
  "attempts", "0",
  "max_attempts", ARGV[4],
  "backoff_kind", ARGV[5],
  "backoff_ms", ARGV[6],
  "idem", idem,
  "token", "",
  "last_error", "",
  "created_at", ARGV[9])

if idem ~= "" then
  redis.call("SET", p .. "idem:" .. idem, id, "PX", ARGV[8])
end

if delay > 0 then
  redis.call("HSET", jk, "state", "delayed")
  redis.call("ZADD", p .. "delayed", now + delay, id)
else
  redis.call("HSET", jk, "state", "ready")
  if ARGV[11] == "1" then
    redis.call("RPUSH", p .. "ready", id)
  else
    redis.call("LPUSH", p .. "ready", id)
  end
end
return {1, id}
`)

// ARGV: prefix, now, visibility_ms, token, worker, dead_ttl_ms, visible_until
// Returns {job_id or "", HGETALL fields, {dead ids}}.
var claimScript = redis.NewScript(luaBackoff + `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local vis = tonumber(ARGV[3])
local deadTTL = tonumber(ARGV[6])

local due = redis.call("ZRANGEBYSCORE", p .. "delayed", "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", p .. "delayed", id)
  local jk = p .. "job:" .. id
  if redis.call("EXISTS", jk) == 1 then
    redis.call("HSET", jk, "state", "ready")
    redis.call("LPUSH", p .. "ready", id)
  end
end

local dead = {}
local expired = redis.call("ZRANGEBYSCORE", p .. "active", "-inf", now, "LIMIT", 0, 100)
for _, id in ipairs(expired) do
  redis.call("ZREM", p .. "active", id)
  local jk = p .. "job:" .. id
  local maxA = tonumber(redis.call("HGET", jk, "max_attempts"))
  if maxA then
    local attempts = tonumber(redis.call("HINCRBY", jk, "attempts", 1))
    redis.call("HSET", jk, "token", "", "last_error", "visibility timeout expired")
    if attempts >= maxA then
      bury(p, jk, id, ARGV[2], deadTTL)
      table.insert(dead, id)
    else
      local kind = redis.call("HGET", jk, "backoff_kind")
      local base = tonumber(redis.call("HGET", jk, "backoff_ms"))
      redis.call("HSET", jk, "state", "delayed")
      redis.call("ZADD", p .. "delayed", now + backoff(kind, base, attempts), id)
    end
  end
end

local id = redis.call("RPOP", p .. "ready")
while id do
  local jk = p .. "job:" .. id
  if redis.call("EXISTS", jk) == 1 then
    redis.call("HSET", jk, "token", ARGV[4], "state", "active",
      "visible_until", ARGV[7], "worker", ARGV[5])
    redis.call("ZADD", p .. "active", now + vis, id)
    return {id, redis.call("HGETALL", jk), dead}
  end
  id = redis.call("RPOP", p .. "ready")
end
return {"", {}, dead}
`)

// ARGV: prefix, id, token. Returns 1 on success, 0 when the claim was lost.
var ackScript = redis.NewScript(`
local p = ARGV[1]
local jk = p .. "job:" .. ARGV[2]
if redis.call("HGET", jk, "token") ~= ARGV[3] then
  return 0
end
redis.call("ZREM", p .. "active", ARGV[2])
redis.call("DEL", jk)
return 1
`)

// ARGV: prefix, id, token, now, error, permanent(0|1), dead_ttl_ms
// Returns {status, attempts}: status -1 lost claim, 0 retry scheduled, 1 dead-lettered.
var failScript = redis.NewScript(luaBackoff + `
local p = ARGV[1]
local id = ARGV[2]
local jk = p .. "job:" .. id
if redis.call("HGET", jk, "token") ~= ARGV[3] then
  return {-1, 0}
end
local now = tonumber(ARGV[4])
redis.call("ZREM", p .. "active", id)
local attempts = tonumber(redis.call("HINCRBY", jk, "attempts", 1))
local maxA = tonumber(redis.call("HGET", jk, "max_attempts"))
redis.call("HSET", jk, "token", "", "last_error", ARGV[5])
if ARGV[6] == "1" or attempts >= maxA then
  bury(p, jk, id, ARGV[4], tonumber(ARGV[7]))
  return {1, attempts}
end
local kind = redis.call("HGET", jk, "backoff_kind")
local base = tonumber(redis.call("HGET", jk, "backoff_ms"))
redis.call("HSET", jk, "state", "delayed")
redis.call("ZADD", p .. "delayed", now + backoff(kind, base, attempts), id)
return {0, attempts}
`)

// ARGV: prefix, id, token, now, delay_ms. Returns 1 or 0 when the claim was lost.
var releaseScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local jk = p .. "job:" .. id
if redis.call("HGET", jk, "token") ~= ARGV[3] then
  return 0
end
redis.call("ZREM", p .. "active", id)
redis.call("HSET", jk, "token", "", "state", "delayed")
redis.call("ZADD", p .. "delayed", tonumber(ARGV[4]) + tonumber(ARGV[5]), id)
return 1
`)

// ARGV: prefix, id, token, visible_until_ms. Returns 1 or 0 when the claim was lost.
var extendScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local jk = p .. "job:" .. id
if redis.call("HGET", jk, "token") ~= ARGV[3] then
  return 0
end
redis.call("HSET", jk, "visible_until", ARGV[4])
redis.call("ZADD", p .. "active", tonumber(ARGV[4]), id)
return 1
`)
