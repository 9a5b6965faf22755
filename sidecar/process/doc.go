/*
Package process launches the sync server executable and turns its lifetime into a stream of events.

A launch returns a Handle, used to kill the process, and a channel of Events. The channel carries the
process's stdout and stderr one line at a time, then a single Terminated event once both pipes are
drained and the process has been reaped, and is then closed. Lines from the same pipe arrive in the
order the process wrote them; there is no ordering between the two pipes.

The channel must be drained. Nothing is buffered beyond a small channel buffer, so a consumer that
stops reading will eventually block the process on a full pipe.

On Unix the process is started in its own process group and Kill signals the whole group, so helpers
spawned by the sync server cannot keep the pipes (and the event stream) open after a kill.
*/
package process
