package service

// Package service starts, tracks and stops the supervised processes.
//
// Overview
// The Supervisor runs the startup sequence: tunnel, model daemon, app. Each
// service is started by the Launcher, which checks liveness first, resolves
// the executable and its wrappers, and starts it in its own process group.
// The resulting Handle is kept in the Registry, at most one per name.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process with Setpgid
//   - sends combined stdout and stderr to one file (a pipe or a log file)
//   - reaps the process in a goroutine and keeps the last Result
//   - stops the whole group, SIGTERM first and SIGKILL after a grace period
//
// Data flow:
//
//   Supervisor          Launcher              Runner{cmd}        logmux.Stream
//       |                  |                      |                    |
//   Start -> Launch(spec) ->| liveness check       |                    |
//       |                  | Start() ------------>| os/exec.Start      |
//       |                  | goTask(Forward/Tail) ----------------------->|
//       |                  | Registry.Add         |  lines ----------->| tmp, session, console
//       |                  |                      |                    |
//   Stop -> Coordinator.StopAll -> Handle.Stop -> Runner.Stop -> drain tasks
//
// Invariants:
//   - At most one live Handle per service name.
//   - A service found running by its match pattern is never started twice.
//   - StopAll writes the session marker once, however often it is called.
//   - Forwarding tasks drain what a stopped process wrote before they end.
