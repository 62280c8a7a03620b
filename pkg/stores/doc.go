// Package stores provides the SQLite persistence layer: exploration
// sessions, the append-only event log fed by the event bus, checkpoints
// (implementing checkpoint.Persistence) and the engine analysis cache.
package stores
