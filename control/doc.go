// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration and runtime telemetry for the shard runtime.
//
// Provides:
//   - Line-oriented key=value configuration parsing with strict key
//     validation, snapshot reads and reload listeners
//   - A metrics registry collecting per-shard counters with a JSON
//     snapshot export
package control
