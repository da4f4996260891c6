// Package chaintest builds header chains for tests.
package chaintest

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Params are the network parameters the helpers build on. Regression test
// headers all carry the same, minimal amount of work.
var Params = &chaincfg.RegressionNetParams

// Genesis returns a copy of the genesis header of Params.
func Genesis() *wire.BlockHeader {
	header := Params.GenesisBlock.Header
	return &header
}

// MakeChain returns n headers extending parent. Chains built with different
// branch values on the same parent are disjoint.
func MakeChain(parent *wire.BlockHeader, n int, branch uint32) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, 0, n)
	prev := parent
	for i := 0; i < n; i++ {
		header := &wire.BlockHeader{
			Version:    4,
			PrevBlock:  prev.BlockHash(),
			MerkleRoot: chainhash.DoubleHashH([]byte{byte(branch), byte(branch >> 8), byte(i), byte(i >> 8)}),
			Timestamp:  prev.Timestamp.Add(10 * time.Minute),
			Bits:       prev.Bits,
			Nonce:      branch,
		}
		headers = append(headers, header)
		prev = header
	}
	return headers
}

// Hashes returns the block hashes of headers.
func Hashes(headers []*wire.BlockHeader) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(headers))
	for _, h := range headers {
		hashes = append(hashes, h.BlockHash())
	}
	return hashes
}
