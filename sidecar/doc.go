/*
Package sidecar supervises the pwman sync server, a helper process that the desktop application runs
next to itself and talks to over a loopback port.

A Supervisor holds at most one sync server. Start launches it with "--addr <addr> --base <dir>",
forwards its output to an events.Sink for as long as it runs, and waits for GET /health on addr to
succeed. Start and Stop are idempotent and safe to call concurrently:

  - Start while a server is healthy returns nil without launching another one.
  - Start while another Start is still waiting for health joins it and returns its result.
  - Stop while idle returns nil.
  - Stop while a Start is waiting for health kills the process; that Start returns a HealthTimeout error.

The supervisor's lock only guards the slot holding the current run. Launching, health polling and
killing all happen outside of it.

If the sync server exits on its own, the supervisor forgets it once the exit has been forwarded, so
the next Start launches a new one.
*/
package sidecar
