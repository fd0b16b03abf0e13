package redis

import (
	redigolib "github.com/gomodule/redigo/redis"
)

// consumeAnnounceScript applies one announce to the counter hash in KEYS[1].
//
// ARGV: now, limit, window, cooldown, cooldown reason, ttl. Times and
// durations are in milliseconds.
//
// Replies {allowed, retry after, announce count, last checked at, cooldown
// until, reason}; a cooldown until of 0 means none.
var consumeAnnounceScript = redigolib.NewScript(1, consumeAnnounceScriptSrc)

const consumeAnnounceScriptSrc = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])
local ttl = tonumber(ARGV[6])

local function reset()
  redis.call("HMSET", key, "last_checked_at", ARGV[1], "announce_count", "1", "cooldown_until", "0", "reason", "")
  redis.call("PEXPIRE", key, ttl)
  return {1, 0, 1, now, 0, ""}
end

local last = redis.call("HGET", key, "last_checked_at")
if not last then
  return reset()
end
last = tonumber(last)

local count = tonumber(redis.call("HGET", key, "announce_count") or "0")
local cooldownUntil = tonumber(redis.call("HGET", key, "cooldown_until") or "0")
local reason = redis.call("HGET", key, "reason") or ""

if cooldownUntil > now then
  return {0, cooldownUntil - now, count, last, cooldownUntil, reason}
end

if now - last > window then
  return reset()
end

if count + 1 > limit then
  cooldownUntil = now + cooldown
  redis.call("HMSET", key, "cooldown_until", string.format("%d", cooldownUntil), "reason", ARGV[5])
  redis.call("PEXPIRE", key, ttl)
  return {0, cooldown, count, last, cooldownUntil, ARGV[5]}
end

count = count + 1
redis.call("HSET", key, "announce_count", string.format("%d", count))
redis.call("PEXPIRE", key, ttl)
return {1, 0, count, last, cooldownUntil, reason}
`
