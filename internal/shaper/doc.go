// Package shaper tracks transfer rates and enforces bandwidth ceilings.
//
// A Shaper keeps a sliding window of (time, bytes) samples shared by every
// fetch task and pauses callers cooperatively while the observed rate is
// above the configured ceiling. A Meter reports the instantaneous speed of a
// single transfer and a Limiter caps it with a token bucket.
package shaper
