// Handles in-memory caching of fetched datasource responses
package cache

import "time"

// Cache interface for caching operations
type Cache[V any] interface {
	// retrieves the cached value if it exists and is not expired.
	// the boolean is false when not found or expired
	Get(key string) (V, bool)
	// stores a value at the specified key for ttl
	Put(key string, value V, ttl time.Duration)
	// removes the value stored at key, if any
	Del(key string)
	// number of unexpired entries
	Len() int
}
