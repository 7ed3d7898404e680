// Package remote is the client-side runtime for a session with a remote
// container-orchestration broker ("location"). It owns the authenticated
// duplex transport to the broker, the event loop that multiplexes commands,
// replies and streamed data across that transport, and the resource model
// (nodes, containers, processes, tunnels) addressed through it.
package remote
