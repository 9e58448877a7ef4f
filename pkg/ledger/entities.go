package ledger

// UTXOEntry is one unspent transaction output (spec.md §3.4).
type UTXOEntry struct {
	Ref             OutputRef
	Address         Address
	Value           uint64
	Datum           []byte // optional, nil if absent
	ReferenceScript []byte // optional, nil if absent
}

// Relay is one entry of a pool's advertised relay set.
type Relay struct {
	Host string
	Port uint16
}

// PoolRegistration is a stake-pool registration certificate's resulting
// state (spec.md §3.4).
type PoolRegistration struct {
	OperatorID     PoolID
	VRFKeyHash     VRFKeyHash
	Pledge         uint64
	Cost           uint64
	Margin         Rational
	RewardAccount  Credential
	Owners         []Credential
	Relays         []Relay
	MetadataAnchor *Anchor // optional
}

// Anchor is an off-chain metadata pointer (URL + content hash), used by
// pool registrations, DRep registrations, and governance proposals.
type Anchor struct {
	URL      string
	DataHash [32]byte
}

// DRepStatus is a DRep's lifecycle stage.
type DRepStatus int

const (
	DRepActive DRepStatus = iota
	DRepRetired
)

// DRepRecord is a Delegated Representative's registration state (spec.md
// §3.4).
type DRepRecord struct {
	Credential Credential
	Deposit    uint64
	Anchor     *Anchor
	Status     DRepStatus
}

// VoteKind is a governance vote's choice.
type VoteKind int

const (
	VoteYes VoteKind = iota
	VoteNo
	VoteAbstain
)

// GovernanceAction tags the variant of a governance proposal.
type GovernanceAction int

const (
	ActionParameterChange GovernanceAction = iota
	ActionHardForkInitiation
	ActionTreasuryWithdrawal
	ActionNoConfidence
	ActionNewCommittee
	ActionNewConstitution
	ActionInfo
)

// GovernanceProposal is a governance action and its accumulated votes
// (spec.md §3.4).
type GovernanceProposal struct {
	ActionID      ActionID
	Deposit       uint64
	RewardAccount Credential
	Action        GovernanceAction
	Anchor        *Anchor
	Votes         map[Credential]VoteKind
}

// StakeAccount is a stake credential's aggregated balance and
// delegations (spec.md §3.4).
type StakeAccount struct {
	Credential     Credential
	UTXOValueSum   uint64
	Rewards        uint64
	DelegatedPool  *PoolID
	DelegatedDRep  *Credential
}

// EpochActivity is the per-epoch activity totals (spec.md §3.4).
type EpochActivity struct {
	Epoch           uint64
	Blocks          uint64
	Fees            uint64
	BlocksByVRFKey  map[VRFKeyHash]uint64
}

// CloneEpochActivity returns a deep-enough copy for COW use in a
// StateHistory[S]: the map is copied so mutating the clone never aliases
// the original's backing map.
func CloneEpochActivity(e EpochActivity) EpochActivity {
	cp := e
	cp.BlocksByVRFKey = make(map[VRFKeyHash]uint64, len(e.BlocksByVRFKey))
	for k, v := range e.BlocksByVRFKey {
		cp.BlocksByVRFKey[k] = v
	}
	return cp
}
