package redisstore

import "github.com/redis/go-redis/v9"

// taskKeyLua builds the idempotency key of a task; it must match taskKey.
const taskKeyLua = `
local function seg(v) return string.len(v) .. ':' .. v end
local function taskKey(prefix, c, s, p, sent)
  return prefix .. 'tasks:key:' .. seg(c) .. seg(s) .. seg(p) .. seg(sent)
end
`

// KEYS: key index, due zset, recipient set, campaign zset, task seq
// ARGV: prefix, new id, campaignId, senderId, pageId, sent, enqueue, field/value pairs...
var pushTaskScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
local inserted = 0
local task
if not id then
  id = ARGV[2]
  task = ARGV[1] .. 'task:' .. id
  redis.call('SET', KEYS[1], id)
  redis.call('HSET', task, 'id', id, 'campaignId', ARGV[3], 'senderId', ARGV[4], 'pageId', ARGV[5],
    'insEnqueue', ARGV[7], 'ups', 0)
  if ARGV[6] ~= '' then redis.call('HSET', task, 'sent', ARGV[6]) end
  redis.call('SADD', KEYS[3], id)
  redis.call('ZADD', KEYS[4], redis.call('INCR', KEYS[5]), id)
  inserted = 1
else
  task = ARGV[1] .. 'task:' .. id
  local ins = tonumber(redis.call('HGET', task, 'insEnqueue'))
  if ins == nil or tonumber(ARGV[7]) < ins then
    redis.call('HSET', task, 'insEnqueue', ARGV[7])
  end
end
redis.call('HSET', task, 'enqueue', ARGV[7])
for i = 8, #ARGV, 2 do
  redis.call('HSET', task, ARGV[i], ARGV[i + 1])
end
local ups = redis.call('HINCRBY', task, 'ups', 1)
redis.call('ZADD', KEYS[2], ARGV[7], id)
return {id, redis.call('HGET', task, 'insEnqueue'), ARGV[7], ups, inserted}
`)

// KEYS: due zset
// ARGV: prefix, until, sentinel
var popTaskScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local task = ARGV[1] .. 'task:' .. ids[1]
redis.call('ZREM', KEYS[1], ids[1])
local snap = redis.call('HGETALL', task)
redis.call('HSET', task, 'enqueue', ARGV[3], 'insEnqueue', ARGV[3], 'ups', 0)
return snap
`)

// KEYS: task hash, due zset
// ARGV: prefix, field/value pairs...
var updateTaskScript = redis.NewScript(taskKeyLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local id = redis.call('HGET', KEYS[1], 'id')
for i = 2, #ARGV, 2 do
  if ARGV[i] == 'sent' then
    local f = redis.call('HMGET', KEYS[1], 'campaignId', 'senderId', 'pageId', 'sent')
    local old = taskKey(ARGV[1], f[1], f[2], f[3], f[4] or '')
    local new = taskKey(ARGV[1], f[1], f[2], f[3], ARGV[i + 1])
    if old ~= new then
      local owner = redis.call('GET', new)
      if owner and owner ~= id then return redis.error_reply('CONFLICT') end
      redis.call('DEL', old)
      redis.call('SET', new, id)
    end
  end
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  if ARGV[i] == 'enqueue' then
    redis.call('ZADD', KEYS[2], ARGV[i + 1], id)
  end
end
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: recipient set
// ARGV: prefix, watermark, event field, ts
var watermarkScript = redis.NewScript(`
local out = {}
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local task = ARGV[1] .. 'task:' .. id
  local v = redis.call('HMGET', task, 'sent', ARGV[3])
  if v[1] and not v[2] and tonumber(v[1]) <= tonumber(ARGV[2]) then
    redis.call('HSET', task, ARGV[3], ARGV[4])
    table.insert(out, id)
  end
end
return out
`)

// KEYS: campaign hash, order zset, pending zset, campaign seq
// ARGV: mode, id, #insert pairs, #set pairs, #deleted fields, pairs..., fields...
var saveCampaignScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1]) == 1
if ARGV[1] == 'update' and not exists then return false end
local nIns, nSet, nDel = tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])
local i = 6
if not exists then
  local seq = redis.call('INCR', KEYS[4])
  redis.call('HSET', KEYS[1], 'id', ARGV[2], 'seq', seq)
  for j = 0, nIns - 1 do
    redis.call('HSET', KEYS[1], ARGV[i + 2 * j], ARGV[i + 2 * j + 1])
  end
  redis.call('ZADD', KEYS[2], seq, ARGV[2])
end
i = i + 2 * nIns
for j = 0, nSet - 1 do
  redis.call('HSET', KEYS[1], ARGV[i + 2 * j], ARGV[i + 2 * j + 1])
end
i = i + 2 * nSet
for j = 0, nDel - 1 do
  redis.call('HDEL', KEYS[1], ARGV[i + j])
end
local f = redis.call('HMGET', KEYS[1], 'active', 'startAt')
if f[1] == '1' and f[2] then
  redis.call('ZADD', KEYS[3], f[2], ARGV[2])
else
  redis.call('ZREM', KEYS[3], ARGV[2])
end
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: pending zset
// ARGV: prefix, now
var popCampaignScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 1)
if #ids == 0 then return false end
redis.call('ZREM', KEYS[1], ids[1])
local key = ARGV[1] .. 'campaign:' .. ids[1]
local snap = redis.call('HGETALL', key)
if #snap == 0 then return false end
redis.call('HDEL', key, 'startAt')
return snap
`)

// KEYS: campaign hash
// ARGV: counter/increment pairs...
var incrementCampaignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
for i = 1, #ARGV, 2 do
  redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// KEYS: tag set, order zset, page order zset, subscription seq, tag counts, page tag counts
// ARGV: member, tag
var subscribeScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[2]) == 0 then return 0 end
if redis.call('SCARD', KEYS[1]) == 1 then
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
  redis.call('ZADD', KEYS[3], seq, ARGV[1])
end
redis.call('HINCRBY', KEYS[5], ARGV[2], 1)
redis.call('HINCRBY', KEYS[6], ARGV[2], 1)
return 1
`)

// KEYS: same as subscribe
// ARGV: member, tag; an empty tag removes the record
var unsubscribeScript = redis.NewScript(`
local removed = {}
if ARGV[2] ~= '' then
  if redis.call('SREM', KEYS[1], ARGV[2]) == 0 then return removed end
  removed = {ARGV[2]}
else
  removed = redis.call('SMEMBERS', KEYS[1])
  redis.call('DEL', KEYS[1])
end
for _, tag in ipairs(removed) do
  for k = 5, 6 do
    if redis.call('HINCRBY', KEYS[k], tag, -1) <= 0 then
      redis.call('HDEL', KEYS[k], tag)
    end
  end
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
end
return removed
`)
