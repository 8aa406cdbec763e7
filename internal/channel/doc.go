// Package channel defines the capability contract the router needs from an
// external messaging backend, a boot-time handler registry, and the
// per-channel admission limiter. Concrete platform protocols live outside
// the gateway; the built-in echo and webhook adapters are generic.
package channel
