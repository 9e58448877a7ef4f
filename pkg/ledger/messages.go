package ledger

import "github.com/input-output-hk/acropolis-sub003/pkg/block"

// CardanoMessage is the closed sum type of all block-driven events
// carried on the fabric's derived-state topics (spec.md §6.4, §9
// "Dynamic-dispatch in the original -> tagged variants"). Every event
// topic's payload pairs a block.Info with one of these.
type CardanoMessage interface {
	cardanoMessage()
}

// Envelope is the (BlockInfo, CardanoMessage) pair every derived-state
// topic carries (spec.md §6.4).
type Envelope struct {
	Block   block.Info
	Message CardanoMessage
}

// UTXODeltas is published on cardano.utxo.deltas: the UTXOs created and
// consumed by one block.
type UTXODeltas struct {
	Created []UTXOEntry
	Spent   []OutputRef
}

func (UTXODeltas) cardanoMessage() {}

// CertKind tags a Certificates entry's variant.
type CertKind int

const (
	CertPoolRegister CertKind = iota
	CertPoolRetire
	CertDRepRegister
	CertDRepUpdate
	CertDRepRetire
	CertStakeRegister
	CertStakeDeregister
	CertStakeDelegatePool
	CertStakeDelegateDRep
	CertGovVote
	CertGovProposal
)

// Certificate is one certificate/action observed in a block, with only
// the fields relevant to its Kind populated.
type Certificate struct {
	Kind CertKind

	Pool       *PoolRegistration // CertPoolRegister
	RetiredIn  *PoolID           // CertPoolRetire

	DRep *DRepRecord // CertDRepRegister/Update/Retire

	Stake *Credential // CertStakeRegister/Deregister
	Pledge struct {
		Stake Credential
		Pool  PoolID
	} // CertStakeDelegatePool
	Representation struct {
		Stake Credential
		DRep  Credential
	} // CertStakeDelegateDRep

	Vote struct {
		ActionID ActionID
		Voter    Credential
		Choice   VoteKind
	} // CertGovVote
	Proposal *GovernanceProposal // CertGovProposal
}

// Certificates is published on cardano.certificates: every
// certificate/governance action observed in one block, in transaction
// order.
type Certificates struct {
	Certs []Certificate
}

func (Certificates) cardanoMessage() {}

// AddressDelta is one stake address's UTXO-value change within a block.
type AddressDelta struct {
	Credential Credential
	Delta      int64
}

// AddressDeltas is published on cardano.address.deltas.
type AddressDeltas struct {
	Deltas []AddressDelta
}

func (AddressDeltas) cardanoMessage() {}

// SPODistribution is published on cardano.spo.distribution: the set of
// currently registered pools as of this block (a bulk vector, not a
// delta — matches spec.md §4.G "other sets are reported as bulk
// vectors").
type SPODistribution struct {
	Pools []PoolRegistration
}

func (SPODistribution) cardanoMessage() {}

// EpochActivityMessage is published on cardano.epoch.activity.
type EpochActivityMessage struct {
	Activity EpochActivity
}

func (EpochActivityMessage) cardanoMessage() {}

// GovernanceProcedures is published on cardano.governance.procedures:
// proposals and votes observed in one block.
type GovernanceProcedures struct {
	Proposals []GovernanceProposal
}

func (GovernanceProcedures) cardanoMessage() {}

// BlockAvailable is published on cardano.block.available (spec.md §4.F).
// It carries no CardanoMessage payload beyond the BlockInfo itself —
// downstream modules fetch any block-body-derived deltas from their own
// upstream feeds, keeping BlockAvailable the single canonical ordering
// signal.
type BlockAvailable struct {
	Block block.Info
}

func (BlockAvailable) cardanoMessage() {}

// SnapshotComplete is emitted once by the bootstrap parser (spec.md
// §4.G "Resume point") identifying the tip the snapshot was taken at.
type SnapshotComplete struct {
	Block block.Info
}

func (SnapshotComplete) cardanoMessage() {}

// AccountsSnapshot carries the bootstrap parser's stake account set
// section (spec.md §4.G "other sets are reported as bulk vectors"). A
// state module receiving this replaces its matching entries wholesale
// rather than folding it in as a delta.
type AccountsSnapshot struct {
	Accounts []StakeAccount
}

func (AccountsSnapshot) cardanoMessage() {}

// CertificatesSnapshot carries the bootstrap parser's pool and DRep set
// sections merged into one message. Pools and DReps both land on
// cardano.certificates — the same topic live Certificates deltas use —
// so they are folded into a single bulk vector rather than published as
// two separate messages, which would otherwise commit the same
// bootstrap block number twice against one module's history.
type CertificatesSnapshot struct {
	Pools []PoolRegistration
	DReps []DRepRecord
}

func (CertificatesSnapshot) cardanoMessage() {}

// ProposalsSnapshot carries the bootstrap parser's governance proposal
// set section.
type ProposalsSnapshot struct {
	Proposals []GovernanceProposal
}

func (ProposalsSnapshot) cardanoMessage() {}
