// Package procmeta names the processes that own traced sockets.
//
// Sockets only carry a PID. Manager reads the process name, executable and
// command line through gopsutil the first time a PID is seen and caches the
// result, failed reads included, for a short TTL. A process that exited
// before its socket was reported cannot be named.
package procmeta
