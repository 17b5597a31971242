/*
Package supervisor runs command descriptors one at a time and reports a status byte for each.

The Loop reads descriptors from the supervisor's own stdin, one per line, and hands them to the
Supervisor. Each Execution goes through

	Starting -> Running -> Completed | Signaled | Aborted
	Starting -> RunnerUnavailable | StartFailed

and, unless it was aborted, yields exactly one byte on the status writer before the next line is read.
Normal exits report the exit code itself. The top of the byte range is reserved for outcomes that are
not an exit code; see Status.

A shutdown request stops the Loop before the next dispatch. An abort request kills the running
child's process group and closes the status writer, so the caller sees the stream end without a
trailing byte for that Execution.
*/
package supervisor
