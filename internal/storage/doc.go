// Package storage keeps the rollover audit log: one record per target
// recomputation. It is write-mostly; records are read back only for status
// endpoints, never to restore countdown state.
package storage
