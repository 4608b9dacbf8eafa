/*
Package unio is an asynchronous I/O driver that exposes one submission and
completion model across operating systems. On Linux it talks to io_uring
directly, sharing a pair of memory-mapped rings with the kernel; where
io_uring is unavailable it falls back to epoll, on the BSDs and macOS it
uses kqueue, and on Windows it uses an I/O completion port. Callers cannot
tell the variants apart: every Operation submitted to a Reactor produces
exactly one Completion carrying the same result and error shapes on every
backend.

A Reactor is an explicit instance with its own lifecycle; there is no
package-level singleton. One goroutine drives the loop while any goroutine
may submit:

	r, err := unio.NewReactor()
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	go r.Run(context.Background())

	buf := make([]byte, 4096)
	c, err := r.SubmitAndWait(context.Background(), unio.NewRead(fd, buf))
	if err != nil {
		log.Fatal(err)
	}
	process(buf[:c.Res])

Buffers handed to an Operation belong to the driver until the matching
Completion is observed. The Socket, Listener and Conn types build a
proactor-style networking layer on top of the raw operations, and
pkg/transport layers TLS over it.
*/
package unio
