package types

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidLeaf      = errors.New("invalid leaf")
	ErrMissingJustifyQC = errors.New("leaf has no justify QC")
)

// Leaf is a proposed block plus the consensus metadata needed to chain it
// to its parent and decide it.
type Leaf struct {
	View               View         `cbor:"1,keyasint"`
	BlockNumber        uint64       `cbor:"2,keyasint"`
	ParentCommitment   Commitment   `cbor:"3,keyasint"`
	PayloadCommitment  Commitment   `cbor:"4,keyasint"`
	Version            Version      `cbor:"5,keyasint"`
	JustifyQC          *Certificate `cbor:"6,keyasint"`
	NextEpochJustifyQC *Certificate `cbor:"7,keyasint,omitempty"`
	UpgradeCertificate *Certificate `cbor:"8,keyasint,omitempty"`
}

// Commit returns the leaf's commitment. It covers the justify QC and the
// upgrade certificate, so a leaf cannot be re-attached to a different
// justification after the fact.
func (l *Leaf) Commit() Commitment {
	var justify, upgrade Commitment
	if l.JustifyQC != nil {
		justify = l.JustifyQC.Commit()
	}
	if l.UpgradeCertificate != nil {
		upgrade = l.UpgradeCertificate.Commit()
	}
	return commit(struct {
		View        View       `cbor:"1,keyasint"`
		BlockNumber uint64     `cbor:"2,keyasint"`
		Parent      Commitment `cbor:"3,keyasint"`
		Payload     Commitment `cbor:"4,keyasint"`
		Version     Version    `cbor:"5,keyasint"`
		Justify     Commitment `cbor:"6,keyasint"`
		Upgrade     Commitment `cbor:"7,keyasint"`
	}{l.View, l.BlockNumber, l.ParentCommitment, l.PayloadCommitment, l.Version, justify, upgrade})
}

// Epoch returns the epoch the leaf belongs to.
func (l *Leaf) Epoch(epochHeight uint64) Epoch {
	return EpochFromBlockNumber(l.BlockNumber, epochHeight)
}

// Upgrade returns the upgrade proposal certified in the leaf, if any.
func (l *Leaf) Upgrade() *UpgradeData {
	if l.UpgradeCertificate == nil {
		return nil
	}
	return l.UpgradeCertificate.Data.Upgrade
}

// ValidateBasic checks structural well-formedness.
func (l *Leaf) ValidateBasic() error {
	if l == nil {
		return ErrInvalidLeaf
	}
	if l.JustifyQC == nil {
		return ErrMissingJustifyQC
	}
	if l.JustifyQC.Kind != KindQuorum {
		return fmt.Errorf("%w: justify certificate kind %s", ErrInvalidLeaf, l.JustifyQC.Kind)
	}
	if l.JustifyQC.View >= l.View && !(l.View == 0 && l.JustifyQC.IsGenesis()) {
		return fmt.Errorf("%w: justify QC %s not below leaf %s", ErrInvalidLeaf, l.JustifyQC.View, l.View)
	}
	if l.UpgradeCertificate != nil && l.UpgradeCertificate.Data.Upgrade == nil {
		return fmt.Errorf("%w: upgrade certificate without upgrade data", ErrInvalidLeaf)
	}
	return nil
}

// GenesisQC returns the unsigned QC that justifies the genesis leaf.
func GenesisQC() *Certificate {
	return &Certificate{Kind: KindQuorum}
}

// GenesisLeaf returns the genesis leaf at view 0 for version.
func GenesisLeaf(version Version) *Leaf {
	return &Leaf{Version: version, JustifyQC: GenesisQC()}
}
