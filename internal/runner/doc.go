// Package runner guarantees that exactly one live, authenticated platform
// connection exists per integration across any number of runner processes.
//
// # Ownership model
//
// Ownership of an integration's connection is a lease in the shared lease
// store. Any process may attempt to own any integration; acquisition is
// atomic, so under contention exactly one process wins and the rest treat
// the loss as the normal outcome. The owner renews the lease at a third of
// the TTL for as long as it holds the connection; a crashed owner simply
// stops renewing and the lease expires, bounding failover by the lease
// TTL. A voluntary
// shutdown releases the lease and republishes a start intent, so a sibling
// takes over almost immediately.
//
// # Components
//
// Coordinator drives the lifecycle: it wins leases, opens a Supervisor per
// owned integration, registers control handlers, and hands everything off
// on shutdown. Supervisor owns one connection's state machine
// (unauthenticated → authenticating → connected ⇄ degraded → closed); a
// fixed-interval heartbeat is the only transport failure detector, and
// reconnects replace the transport in place without touching the lease.
// Registry is the process-local table mapping integration ids to control
// handlers.
//
// Control events (stop, restart) arrive over the control bus and are
// broadcast to every process; only the process holding the registration
// acts. A restart merges the config delta into the running config and
// recycles the transport; ownership never changes hands.
package runner
