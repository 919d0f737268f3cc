// Package store is the SQLite persistence store behind the stream registry.
//
// It keeps, per synced stream, the sync cookie and minipool, every
// miniblock the client has seen (forward from sync or backward from
// scrollback), the newest snapshot, cached cleartexts keyed by event id,
// last-access times and the host's high-priority retention hint.
//
// # Rules
//
//   - A stream loads only when every full miniblock from its last snapshot
//     to its last miniblock is present. Anything less loads as nil and the
//     caller goes to the network.
//   - A partial miniblock never replaces a full one.
//   - Partial miniblocks are only served back to callers asking with the
//     same exclusion key.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
package store
