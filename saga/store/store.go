// Package store provides persistence backends for workflow event streams.
//
// All backends implement event.StreamStore. The in-memory store suits tests
// and single-process runs; the SQLite store provides zero-setup durable
// persistence for local deployments; the MySQL store targets production
// deployments where runs must survive process restarts and be auditable.
package store

import "errors"

// ErrClosed is returned by database-backed stores after Close has been called.
var ErrClosed = errors.New("store is closed")
