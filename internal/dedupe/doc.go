// Package dedupe remembers idempotency keys for a bounded window so that a
// retried request can be answered with the result of the first attempt.
//
//	cache := dedupe.New(dedupe.Options{TTL: 24 * time.Hour, CleanupInterval: time.Minute})
//	defer cache.Close()
//
//	key := dedupe.Key(tenantID, userID, r.Header.Get("Idempotency-Key"))
//	if id, ok := cache.Lookup(key); ok {
//	    // replay
//	}
package dedupe
