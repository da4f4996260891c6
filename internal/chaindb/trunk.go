package chaindb

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Trunk is a read-only view of the canonical header chain.
type Trunk interface {
	// IsOnTrunk reports whether the header is part of the trunk.
	IsOnTrunk(hash chainhash.Hash) bool
	// Height returns the height of a header on the trunk.
	Height(hash chainhash.Hash) (uint32, bool)
	// Header returns a known header, on the trunk or not.
	Header(hash chainhash.Hash) (*wire.BlockHeader, bool)
	// HeaderAt returns the trunk header at height.
	HeaderAt(height uint32) (*wire.BlockHeader, bool)
	// Tip returns the last header of the trunk.
	Tip() (*wire.BlockHeader, bool)
	// TipPosition returns the hash and height of the tip from a single read.
	TipPosition() (chainhash.Hash, uint32, bool)
	// Len returns the height of the tip.
	Len() uint32
}

// ChainDBTrunk is the Trunk of a ChainDB.
type ChainDBTrunk struct {
	db *ChainDB
}

var _ Trunk = (*ChainDBTrunk)(nil)

// NewTrunk returns the trunk view of db.
func NewTrunk(db *ChainDB) *ChainDBTrunk {
	return &ChainDBTrunk{db: db}
}

func (t *ChainDBTrunk) IsOnTrunk(hash chainhash.Hash) bool {
	_, ok := t.db.PosOnTrunk(hash)
	return ok
}

func (t *ChainDBTrunk) Height(hash chainhash.Hash) (uint32, bool) {
	return t.db.PosOnTrunk(hash)
}

func (t *ChainDBTrunk) Header(hash chainhash.Hash) (*wire.BlockHeader, bool) {
	stored, ok := t.db.Header(hash)
	if !ok {
		return nil, false
	}
	return &stored.Header, true
}

func (t *ChainDBTrunk) HeaderAt(height uint32) (*wire.BlockHeader, bool) {
	stored, ok := t.db.HeaderAt(height)
	if !ok {
		return nil, false
	}
	return &stored.Header, true
}

func (t *ChainDBTrunk) Tip() (*wire.BlockHeader, bool) {
	return &t.db.Tip().Header, true
}

func (t *ChainDBTrunk) TipPosition() (chainhash.Hash, uint32, bool) {
	tip := t.db.Tip()
	return tip.Hash(), tip.Height, true
}

func (t *ChainDBTrunk) Len() uint32 {
	return t.db.Height()
}
