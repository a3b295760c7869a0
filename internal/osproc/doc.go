// Package osproc answers questions about processes from the OS point of view:
// is something matching a pattern running, who listens on a port, and it
// terminates processes (or whole process groups) with a SIGTERM to SIGKILL
// escalation.
package osproc
