// File: api/executor.go
// Author: momentics <momentics@gmail.com>
//
// Task executor surface exposed by each shard's reactor.

package api

// Task is a unit of work enqueued for execution on one shard. A task runs
// once, to completion, on the shard that owns it; its captures die with it.
type Task interface {
	Run()
}

// Executor accepts tasks for the current shard. The future machinery uses
// it to schedule continuations; pollers use it to hand readiness off to
// the ready-task queue.
//
// Schedule appends to the normal FIFO. ScheduleUrgent appends to the
// high-priority queue drained ahead of the normal one between tasks,
// never mid-task.
type Executor interface {
	Schedule(t Task)
	ScheduleUrgent(t Task)
}
