package valkey

// Every script replies with a table whose first element is a status string.
// Records are hashes: immutable fields live in a JSON "data" field that Lua
// never decodes, mutable state lives in plain hash fields next to it.

// luaCreateClient inserts a client and claims its audience scopes, all or nothing.
//
// KEYS[1] = client hash
// KEYS[2] = scope catalog hash (scope -> audience client id, "" when unclaimed)
// KEYS[3] = set of client ids
// ARGV[1] = client id
// ARGV[2] = client JSON
// ARGV[3] = active flag
// ARGV[4] = number of audience scopes n
// ARGV[5 .. 4+n] = audience scopes
// ARGV[5+n ..] = other referenced scopes
//
// Returns {"OK"} or {"CONFLICT", what}.
const luaCreateClient = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return {'CONFLICT', 'client'}
end

local n = tonumber(ARGV[4])
for i = 5, 4 + n do
    local owner = redis.call('HGET', KEYS[2], ARGV[i])
    if owner and owner ~= '' then
        return {'CONFLICT', ARGV[i]}
    end
end

for i = 5 + n, #ARGV do
    redis.call('HSETNX', KEYS[2], ARGV[i], '')
end
for i = 5, 4 + n do
    redis.call('HSET', KEYS[2], ARGV[i], ARGV[1])
end

redis.call('HSET', KEYS[1], 'data', ARGV[2], 'active', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[1])
return {'OK'}
`

// luaDeactivate flips the active flag of a client or token hash.
//
// KEYS[1] = record hash
// ARGV[1] = deactivation timestamp
// ARGV[2] = deactivating admin, "" for tokens
//
// Returns {"OK"}, {"NOT_FOUND"} or {"ALREADY_CONSUMED"}.
const luaDeactivate = `
local active = redis.call('HGET', KEYS[1], 'active')
if not active then
    return {'NOT_FOUND'}
end
if active ~= '1' then
    return {'ALREADY_CONSUMED'}
end

redis.call('HSET', KEYS[1], 'active', '0', 'deactivated_at', ARGV[1])
if ARGV[2] ~= '' then
    redis.call('HSET', KEYS[1], 'deactivated_by', ARGV[2])
end
return {'OK'}
`

// luaInsertRecord inserts a grant or token hash guarded by unique index keys.
//
// KEYS[1] = record hash
// KEYS[2] = write counter
// KEYS[3 ..] = unique index keys, set to ARGV[2]
// ARGV[1] = TTL in milliseconds, "0" for none
// ARGV[2] = index value
// ARGV[3 ..] = field/value pairs
//
// Returns {"OK"} or {"CONFLICT"}.
const luaInsertRecord = `
for i = 1, #KEYS do
    if i ~= 2 and redis.call('EXISTS', KEYS[i]) == 1 then
        return {'CONFLICT'}
    end
end

redis.call('HSET', KEYS[1], unpack(ARGV, 3))
for i = 3, #KEYS do
    redis.call('SET', KEYS[i], ARGV[2])
end

local ttl = tonumber(ARGV[1])
if ttl > 0 then
    for i = 1, #KEYS do
        if i ~= 2 then
            redis.call('PEXPIRE', KEYS[i], ttl)
        end
    end
end

redis.call('INCR', KEYS[2])
return {'OK'}
`

// luaConsumeCode redeems an authorization code exactly once. Checks run in
// the order unknown/foreign code, already redeemed, expired, redirect
// mismatch; a mismatch leaves the code active.
//
// KEYS[1] = code index key (code -> grant id)
// ARGV[1] = grant key prefix
// ARGV[2] = client id
// ARGV[3] = redirect uri
// ARGV[4] = now as a fixed width instant
// ARGV[5] = deactivation timestamp
//
// Returns {"OK", grant JSON} or {status}.
const luaConsumeCode = `
local grantID = redis.call('GET', KEYS[1])
if not grantID then
    return {'NOT_FOUND'}
end

local key = ARGV[1] .. grantID
local g = redis.call('HMGET', key, 'client_id', 'active', 'expires', 'redirect_uri', 'data')
if not g[5] or g[1] ~= ARGV[2] then
    return {'NOT_FOUND'}
end
if g[2] ~= '1' then
    return {'ALREADY_CONSUMED'}
end
if g[3] and g[3] ~= '' and ARGV[4] >= g[3] then
    return {'EXPIRED'}
end
if g[4] ~= ARGV[3] then
    return {'REDIRECT_MISMATCH'}
end

redis.call('HSET', key, 'active', '0', 'deactivated_at', ARGV[5])
return {'OK', g[5]}
`

// luaGetOrCreateUser returns the named user, creating it when absent.
//
// KEYS[1] = user hash
// KEYS[2] = subject index key (subject -> name)
// ARGV[1] = name
// ARGV[2] = subject
// ARGV[3] = creation timestamp
//
// Returns {"OK", subject, created_at} or {"CONFLICT"} when the subject
// belongs to another user.
const luaGetOrCreateUser = `
local existing = redis.call('HMGET', KEYS[1], 'subject', 'created_at')
if existing[1] then
    return {'OK', existing[1], existing[2] or ''}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {'CONFLICT'}
end

redis.call('HSET', KEYS[1], 'subject', ARGV[2], 'created_at', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1])
return {'OK', ARGV[2], ARGV[3]}
`

// luaSaveAPIKey inserts an API key for an existing user.
//
// KEYS[1] = api key hash
// KEYS[2] = user hash
// ARGV = field/value pairs
//
// Returns {"OK"}, {"USER_NOT_FOUND"} or {"CONFLICT"}.
const luaSaveAPIKey = `
if redis.call('EXISTS', KEYS[2]) == 0 then
    return {'USER_NOT_FOUND'}
end
if redis.call('EXISTS', KEYS[1]) == 1 then
    return {'CONFLICT'}
end

redis.call('HSET', KEYS[1], unpack(ARGV))
return {'OK'}
`

// luaUseAPIKey records a use of an active API key.
//
// KEYS[1] = api key hash
// ARGV[1] = usage timestamp
//
// Returns {"OK", user, created_at, usage_count} or {"NOT_FOUND"}.
const luaUseAPIKey = `
local fields = redis.call('HMGET', KEYS[1], 'active', 'user', 'created_at')
if fields[1] ~= '1' then
    return {'NOT_FOUND'}
end

local count = redis.call('HINCRBY', KEYS[1], 'usage_count', 1)
redis.call('HSET', KEYS[1], 'last_used', ARGV[1])
return {'OK', fields[2] or '', fields[3] or '', tostring(count)}
`
