package storage

import "time"

// Store key names, relative to the Store prefix. The rate-limit and hourly
// stats entries are standalone keys; the rest are single hashes/sets.
const (
	KeyCredentials = "apikeys"      // hash: handle → credential record JSON
	KeyActive      = "active_keys"  // set: active handles
	KeyRawKeys     = "_plainkeys"   // hash: handle → raw API key (never logged)
	RatePrefix     = "rate"         // rate:{handle}:{model} hash per window
	KeyLogs        = "logs"         // sorted set: request log, score = unix time
	HourlyPrefix   = "stats:hourly" // stats:hourly:{YYYY-MM-DD-HH} hash
	KeyTokens      = "tokens"       // hash: token id → access token JSON
	KeyTokenPlain  = "token_plain"  // hash: token id → raw bearer token
)

// TTLs.
const (
	TTLRateWindow  = 24 * time.Hour
	TTLLogs        = 7 * 24 * time.Hour
	TTLHourlyStats = 24 * time.Hour
)
