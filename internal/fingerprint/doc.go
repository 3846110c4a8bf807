// Package fingerprint derives cache keys for pips.
//
// The weak fingerprint hashes a pip's static description. The selector
// hashes the content of every input the pip actually touched, and together
// with the weak fingerprint yields the strong fingerprint that keys the
// memoization cache. Nothing here reads the clock, a process id, or a
// report's enqueue time.
package fingerprint
