// Command portlease runs the tunnel port-lease manager.
//
// Portlease hands out exclusive TCP ports from a bounded pool to router
// agents that keep reverse tunnels open, reclaims leases whose heartbeats
// lapse, and probes leased endpoints over SSH.
//
// Install:
//
//	go install github.com/tunnelward/portlease/cmd/portlease@latest
//
// Usage:
//
//	portlease run --config ./portlease.toml --db ./portlease.db
package main
