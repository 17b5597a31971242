/*
Package pipes holds the fixed-path FIFOs the supervisor communicates through, and the bridge that
relays a child's stdio onto them.

The FIFOs are created by whoever deploys the supervisor. They are rendezvous points: each Execution
opens the stdio paths, relays bytes and closes its own handles, and the next Execution opens them again.
Paths are never created or removed here.

Each stdio direction is relayed by its own goroutine:

	           +-------------+  os.Pipe  +-------+  containerd/fifo  +-------------+
	stdin  --> | stdin feed  | --------> | child |                   |             |
	           +-------------+           |       | --> stdout drain  | --> stdout  |
	                                     |       | --> stderr drain  | --> stderr  |
	                                     +-------+                   +-------------+

Opening a FIFO blocks until the other end is opened too, so every open happens under a context
and can be abandoned without blocking anything else. A drain whose reader goes away keeps reading the
child's pipe so that the child is never blocked by an observer that stopped reading, and it hands
later output to the next reader that opens the FIFO.

After the child exited, the relays get a grace period before they are cancelled. A writer opening
stdin during it is drained and its bytes are dropped, since they were meant for a child that is gone.
*/
package pipes
