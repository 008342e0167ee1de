// Package gateway implements the real-time live-session core: authenticated
// WebSocket connections scoped to one broadcast channel each, channel
// lifecycle and viewer tracking, and ordered chat fan-out.
//
// The Registry owns every channel record and serializes all mutations for a
// channel on that channel's lock, which is what makes sequence assignment and
// delivery order agree for every subscriber. Chat messages and lifecycle
// events share one per-channel sequence space, so a client can totally order
// everything it receives by (channelId, sequence).
//
// Fan-out never blocks on a subscriber: each membership carries a bounded
// outbound queue, lifecycle events displace the oldest undelivered lifecycle
// event under pressure, and a subscriber whose queue cannot absorb a chat
// message is evicted alone rather than stalling the channel.
//
// The Relay validates and rate-limits inbound messages before they reach the
// Registry, so rejected messages never consume a sequence number. The
// Controller maps external broadcast start/stop signals onto channel state.
// Accepted events are additionally mirrored to a Queue (in-memory or Redis
// Streams) for out-of-process consumers such as the archive worker.
package gateway
