/*
Asynchronous child processes for go.

Asyncproc wraps a spawned child process so that none of its byte streams can
ever block the caller. Each enabled stream gets its own goroutine: readers
drain stdout and stderr into in-memory buffers as fast as the child produces
them, and a feeder trickles queued input into stdin as fast as the child
consumes it. Callers `Write` without blocking, `Read` whatever has
accumulated so far without blocking, and `Wait` when they want the complete
picture.

Because collection happens in the background, a child that produces large
amounts of output will not stall even if the caller never reads. The same
holds in the other direction: `Write` queues input without waiting for the
child to drain it. The cost of this contract is memory - a backed-up child
can grow the buffers without bound.

Shutdown is an escalation, not an event. `Terminate` closes the child's
stdin so it sees EOF, then sends SIGTERM, then SIGKILL, giving the child a
bounded grace period at each step before moving to the next.

A `Manager` is included for the case where process control must be exposed
across a boundary: it hides processes behind opaque integer handles so that
native references never leave the owning component. Within a single program
it is usually better to hold `Process` values directly.
*/
package asyncproc
