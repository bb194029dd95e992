// Package cachestore caches small encoded values in named buckets, each with
// its own TTL.
//
// There is an in-process implementation (one expiring LRU per bucket) and a
// redis-backed one that can be shared between replicas. Keys only need to be
// unique within their bucket.
package cachestore
