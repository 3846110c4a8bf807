// Package sandbox runs pip processes under observation.
//
// A Runner starts the process with an extra pipe on file descriptor 3. The
// process tree (or an interposition shim loaded into it) writes one JSON
// access report per line to that pipe:
//
//	{"op":"read","path":"/src/a.c","pid":4711}
//
// The Monitor owns one bounded report channel per running pip, fed by a
// dedicated listener goroutine. It keeps global bookkeeping of the oldest
// report still waiting to be consumed and of the time since the last report
// arrived from any pip, which the Runner uses to detect a stalled channel.
package sandbox
