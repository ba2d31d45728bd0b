// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api declares the shared contracts of the hioload runtime: the
// poller hooks driven by each shard's reactor, the task executor surface
// used by the future machinery, the tagged result carrier, and the
// structured error kinds raised by the I/O layers.
//
// The package is interface- and type-only; it imports nothing from the
// rest of the module so that every layer can depend on it without cycles.
package api
