// Package config defines the operator-facing configuration map of
// spec.md §6.5: the single keyed set of options cmd/indexer reads from
// flags/environment and wires into every core component.
package config

import (
	"fmt"
	"time"

	"github.com/input-output-hk/acropolis-sub003/pkg/utxostore"
)

// SyncPoint is the bootstrap strategy an operator selects (spec.md §6.5
// "sync_point").
type SyncPoint string

const (
	SyncOrigin   SyncPoint = "origin"
	SyncTip      SyncPoint = "tip"
	SyncSnapshot SyncPoint = "snapshot"
	SyncCache    SyncPoint = "cache"
)

// Config is the single keyed configuration map of spec.md §6.5.
type Config struct {
	// SecurityParameterK is the rollback bound applied uniformly to the
	// aggregator and every state module's StateHistory, default k as per
	// chain params.
	SecurityParameterK uint64

	// NodeAddresses lists upstream peers as host:port pairs.
	NodeAddresses []string

	// NetworkMagic is the wire handshake value.
	NetworkMagic uint64

	SyncPoint SyncPoint

	// Validators names the optional validation fan-out topics (consensus
	// layer, out of scope here) and their shared round timeout.
	Validators        []string
	ValidationTimeout time.Duration

	// SnapshotPath is read once at SyncSnapshot. CompletionTopic names
	// the fabric topic the bootstrap parser publishes its resume point
	// (SnapshotComplete) on; every bulk section it parses is published
	// directly onto the matching state module's own input topic.
	SnapshotPath    string
	CompletionTopic string

	// StoreBackend selects the immutable-UTXO backing.
	StoreBackend utxostore.Backend
}

// Validate checks the configuration for internal consistency, filling in
// defaults where spec.md §6.5 implies one.
func (c *Config) Validate() error {
	if c.SyncPoint == "" {
		c.SyncPoint = SyncTip
	}
	switch c.SyncPoint {
	case SyncOrigin, SyncTip, SyncSnapshot, SyncCache:
	default:
		return fmt.Errorf("config: invalid sync_point %q", c.SyncPoint)
	}
	if c.SyncPoint == SyncSnapshot && c.SnapshotPath == "" {
		return fmt.Errorf("config: snapshot_path is required when sync_point is %q", SyncSnapshot)
	}
	if len(c.NodeAddresses) == 0 && c.SyncPoint != SyncSnapshot {
		return fmt.Errorf("config: node_addresses is required unless sync_point is %q", SyncSnapshot)
	}
	if c.StoreBackend == "" {
		c.StoreBackend = utxostore.BackendInMemory
	}
	switch c.StoreBackend {
	case utxostore.BackendInMemory, utxostore.BackendDisk:
	default:
		return fmt.Errorf("config: invalid store_backend %q", c.StoreBackend)
	}
	if len(c.Validators) > 0 && c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 60 * time.Second
	}
	if c.CompletionTopic == "" {
		c.CompletionTopic = "cardano.snapshot.complete"
	}
	return nil
}
