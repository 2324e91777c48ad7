// Package smashkit provides the building blocks of a browser-style
// Rowhammer attack that targets DRAM with TRR (Target Row Refresh)
// mitigations using cache eviction instead of explicit flushes.
//
// APIs are separated into subpackages, and documented accordingly.
// The smash package ties them together into a session that finds
// eviction sets, derives single-bank aggressors, synchronizes with the
// refresh interval and reports bit flips.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package smashkit
