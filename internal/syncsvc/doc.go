// Package syncsvc replays batches of actions queued by offline clients
// against the authoritative sessions.
//
// Each entry of a batch is validated on its own. Valid actions run in
// ascending sequence order through the same navigation pipeline as online
// requests, and every sequence number is applied at most once: a resent
// action returns the outcome recorded the first time.
package syncsvc
