// Package storage provides the optional persistence layer used by dispatch.
//
// It currently supports:
//   - Delivery log appends (what was sent where, with failure counts)
//   - Group dedup state (suppress re-delivery of an already-sent group id)
//
// Everything here is best-effort from the pipeline's point of view: the bot
// runs fine with storage disabled, it just loses cross-restart dedup.
package storage
