// Package ratelimit throttles mutating API calls (bundle load triggers and
// disposals) per client with token buckets and background eviction of idle
// clients.
//
// State is in-memory and per instance.
package ratelimit
