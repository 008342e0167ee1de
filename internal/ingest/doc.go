// Package ingest receives stream lifecycle notifications from media servers.
//
// The webhook handler accepts publish and unpublish callbacks authenticated
// with a shared bearer token and translates them into channel state
// transitions. Transitions are idempotent: a repeated notification for the
// current state is acknowledged but reported as unchanged, so media servers
// may retry callbacks freely.
package ingest
