package contracts

import "time"

// ComponentBaseIssuance is the pool component every finalized epoch must carry.
const ComponentBaseIssuance = "base_issuance"

// Allocation is one contributor's weighted units for an epoch.
type Allocation struct {
	EpochID       string `json:"epoch_id"`
	UserID        string `json:"user_id"`
	ProposedUnits BigInt `json:"proposed_units"`
	// FinalUnits is unset until finalization.
	FinalUnits    BigInt `json:"final_units"`
	ActivityCount int64  `json:"activity_count"`
}

// EffectiveUnits returns FinalUnits when set, otherwise ProposedUnits.
func (a Allocation) EffectiveUnits() BigInt {
	if a.FinalUnits.IsSet() {
		return a.FinalUnits
	}
	return a.ProposedUnits
}

// PoolComponent is one immutable contribution to an epoch's credit pool.
type PoolComponent struct {
	EpochID       string    `json:"epoch_id"`
	ComponentID   string    `json:"component_id"`
	AmountCredits BigInt    `json:"amount_credits"`
	CreatedAt     time.Time `json:"created_at"`
}

// Payout is the credit amount owed to one user.
type Payout struct {
	UserID        string `json:"user_id"`
	AmountCredits BigInt `json:"amount_credits"`
	// Share is the user's fraction of total units as a 6-decimal string.
	Share string `json:"share"`
}

// PayoutStatement is the signed, immutable result of finalizing an epoch.
// A correction is a new statement whose SupersedesID points at the one it replaces.
type PayoutStatement struct {
	StatementID       string    `json:"statement_id"`
	EpochID           string    `json:"epoch_id"`
	NodeID            string    `json:"node_id"`
	ScopeID           string    `json:"scope_id"`
	AllocationSetHash string    `json:"allocation_set_hash"`
	PoolTotalCredits  BigInt    `json:"pool_total_credits"`
	Payouts           []Payout  `json:"payouts"`
	Signature         string    `json:"signature"`
	SignerAddress     string    `json:"signer_address"`
	SupersedesID      string    `json:"supersedes_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// StatementSignature is one approver signature recorded against a statement.
type StatementSignature struct {
	StatementID   string    `json:"statement_id"`
	SignerAddress string    `json:"signer_address"`
	Signature     string    `json:"signature"`
	SignedAt      time.Time `json:"signed_at"`
}
