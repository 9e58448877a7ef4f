package block

import "time"

// Era is a tagged variant enumerating successive Cardano protocol regimes,
// in fixed total order (spec.md §3.1, glossary "Era").
type Era int

const (
	EraByron Era = iota
	EraShelley
	EraAllegra
	EraMary
	EraAlonzo
	EraBabbage
	EraConway
)

func (e Era) String() string {
	switch e {
	case EraByron:
		return "byron"
	case EraShelley:
		return "shelley"
	case EraAllegra:
		return "allegra"
	case EraMary:
		return "mary"
	case EraAlonzo:
		return "alonzo"
	case EraBabbage:
		return "babbage"
	case EraConway:
		return "conway"
	default:
		return "unknown"
	}
}

// Params holds the per-era parameters needed to map a slot onto an
// epoch/epoch-slot pair and a wall-clock timestamp. Every era after Byron
// uses a fixed slot length; Byron's is kept distinct since mainnet's
// genesis used a different cadence.
type Params struct {
	FirstSlot      uint64        // first absolute slot belonging to this era
	EpochLength    uint64        // slots per epoch within this era
	SlotLength     time.Duration // wall-clock duration of one slot
	EraStart       time.Time     // wall-clock instant of FirstSlot
	FirstEpochSeen uint64        // epoch number FirstSlot falls in
}

// ParamTable maps an Era to its Params. Callers supply the concrete
// mainnet/testnet table; Params zero-value is never usable (SlotLength
// must be > 0), so a table built with NewParamTable validates this.
type ParamTable map[Era]Params

// NewParamTable validates that every entry has a positive SlotLength and
// EpochLength, and that FirstSlot is non-decreasing across era order.
func NewParamTable(entries map[Era]Params) (ParamTable, error) {
	t := ParamTable(entries)
	var lastFirstSlot uint64
	for era := EraByron; era <= EraConway; era++ {
		p, ok := t[era]
		if !ok {
			continue
		}
		if p.SlotLength <= 0 {
			return nil, &InvalidParamsError{Era: era, Reason: "slot length must be positive"}
		}
		if p.EpochLength == 0 {
			return nil, &InvalidParamsError{Era: era, Reason: "epoch length must be positive"}
		}
		if p.FirstSlot < lastFirstSlot {
			return nil, &InvalidParamsError{Era: era, Reason: "era first slot must not precede the previous era's"}
		}
		lastFirstSlot = p.FirstSlot
	}
	return t, nil
}

// InvalidParamsError reports a malformed era parameter table.
type InvalidParamsError struct {
	Era    Era
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return "block: invalid era params for " + e.Era.String() + ": " + e.Reason
}

// EpochSlot computes (epoch, epoch_slot, new_epoch, timestamp) for a slot
// within the given era's params.
func (p Params) EpochSlot(slot uint64) (epoch uint64, epochSlot uint64, newEpoch bool, ts time.Time) {
	if slot < p.FirstSlot {
		slot = p.FirstSlot
	}
	offset := slot - p.FirstSlot
	epoch = p.FirstEpochSeen + offset/p.EpochLength
	epochSlot = offset % p.EpochLength
	newEpoch = epochSlot == 0
	ts = p.EraStart.Add(time.Duration(offset) * p.SlotLength)
	return epoch, epochSlot, newEpoch, ts
}
