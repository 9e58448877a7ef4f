// Package ledger defines the canonical core entities produced and
// consumed by the fabric (spec.md §3.4) and the opaque identifiers used
// to reference them across state modules (spec.md §3.5, §9 "Cyclic
// references"). Nothing here stores a back-pointer to another module's
// data — entities are looked up by id through the owning module's state
// when needed.
package ledger

import "encoding/hex"

// TxID is a transaction hash.
type TxID [32]byte

func (t TxID) String() string { return hex.EncodeToString(t[:]) }

// OutputRef identifies one UTXO by (tx-id, output-index).
type OutputRef struct {
	TxID  TxID
	Index uint32
}

// Address is an opaque, already-formatted address string. Bech32/hex
// formatting of raw credentials into an Address is out of scope (spec.md
// §1); the core only ever compares and stores the formatted form handed
// to it by the wire-codec layer.
type Address string

// CredentialKind tags whether a Credential is a verification-key hash or
// a script hash — recovered from original_source/common/src/cip19.rs
// (see SPEC_FULL.md "Supplemented features"); spec.md §3.4 only mentions
// "credential" without this distinction.
type CredentialKind int

const (
	CredentialKeyHash CredentialKind = iota
	CredentialScriptHash
)

// Credential is the opaque identity behind a stake address, a DRep, a
// pool owner, or a governance voter.
type Credential struct {
	Kind CredentialKind
	Hash [28]byte
}

func (c Credential) String() string {
	prefix := "key"
	if c.Kind == CredentialScriptHash {
		prefix = "script"
	}
	return prefix + ":" + hex.EncodeToString(c.Hash[:])
}

// PoolID is a stake-pool operator id.
type PoolID [28]byte

func (p PoolID) String() string { return hex.EncodeToString(p[:]) }

// VRFKeyHash identifies a pool's registered VRF key.
type VRFKeyHash [32]byte

// ActionID identifies a governance action by (tx-id, action-index).
type ActionID struct {
	TxID        TxID
	ActionIndex uint32
}

// Rational is a numerator/denominator pair used for pool margin (spec.md
// §3.4).
type Rational struct {
	Numerator   uint64
	Denominator uint64
}
