// Package dedupe provides update deduplication using a time-based cache
// to avoid reprocessing updates replayed within a configurable window.
package dedupe
