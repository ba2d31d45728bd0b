// File: future/task.go
// Author: momentics <momentics@gmail.com>
//
// Erased callable scheduled on a shard's ready-task queue.

package future

// Func adapts a plain function to the api.Task interface.
type Func func()

// Run executes the function once, to completion.
func (f Func) Run() { f() }
