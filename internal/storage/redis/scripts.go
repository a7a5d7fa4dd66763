package redis

const (
	// recordSyncScript atomically writes a record and indexes it by time
	recordSyncScript = `
local record_key = KEYS[1]    -- avadhi:sync:{id}
local index_key = KEYS[2]     -- avadhi:sync:index

local id = ARGV[1]
local run_id = ARGV[2]
local date = ARGV[3]
local minutes = ARGV[4]
local finalized = ARGV[5]
local outcome = ARGV[6]
local err = ARGV[7]
local at = ARGV[8]
local score = tonumber(ARGV[9])
local ttl_seconds = tonumber(ARGV[10])

redis.call('HSET', record_key,
  'id', id,
  'run_id', run_id,
  'date', date,
  'minutes', minutes,
  'finalized', finalized,
  'outcome', outcome,
  'error', err,
  'at', at
)

redis.call('ZADD', index_key, score, id)

if ttl_seconds > 0 then
  redis.call('EXPIRE', record_key, ttl_seconds)
end

return 'OK'
`

	// deleteSyncBeforeScript removes records whose index score is below a cutoff
	deleteSyncBeforeScript = `
local index_key = KEYS[1]     -- avadhi:sync:index

local key_prefix = ARGV[1]
local cutoff = ARGV[2]

local ids = redis.call('ZRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)
for _, id in ipairs(ids) do
  redis.call('DEL', key_prefix .. id)
end

redis.call('ZREMRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)

return #ids
`
)
