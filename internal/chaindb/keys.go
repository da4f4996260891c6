package chaindb

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/orderedcode"
)

// key prefixes
const (
	prefixHeader = int64(0)
	prefixTrunk  = int64(1)
)

func headerKey(hash chainhash.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func trunkKey(height uint32) []byte {
	key, err := orderedcode.Append(nil, prefixTrunk, uint64(height))
	if err != nil {
		panic(err)
	}
	return key
}

func trunkKeyRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixTrunk, uint64(0))
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixTrunk, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}

func decodeTrunkKey(key []byte) (height uint32, err error) {
	var (
		prefix int64
		h      uint64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &h)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixTrunk {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixTrunk, prefix)
	}
	return uint32(h), nil
}
