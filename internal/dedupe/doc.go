// Package dedupe tracks recently dispatched envelope IDs in a time-based
// cache so redeliveries after a stream reconnect are acknowledged without
// dispatching twice.
package dedupe
