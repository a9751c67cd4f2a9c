// Package diagnostics captures the state of the host machine and process at
// the moment of a fault.
//
// A Collector gathers system metrics through gopsutil and best-effort GPU
// names through ghw. Process figures come from the Go runtime plus gopsutil's
// process view. Plugin writes the combined Snapshot as system.json so the
// queue can attach it to a report archive.
package diagnostics
