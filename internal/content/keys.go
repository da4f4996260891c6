package content

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/orderedcode"
)

// key prefixes
const (
	prefixPosition = int64(0)
	prefixEntry    = int64(1)
	prefixAnchor   = int64(2)
)

func positionKey(height uint32) []byte {
	key, err := orderedcode.Append(nil, prefixPosition, uint64(height))
	if err != nil {
		panic(err)
	}
	return key
}

func positionKeyRange() ([]byte, []byte) {
	return prefixRange(prefixPosition)
}

func decodePositionKey(key []byte) (uint32, error) {
	var (
		prefix int64
		height uint64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixPosition {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixPosition, prefix)
	}
	return uint32(height), nil
}

func entryKey(id string) []byte {
	key, err := orderedcode.Append(nil, prefixEntry, id)
	if err != nil {
		panic(err)
	}
	return key
}

func entryKeyRange() ([]byte, []byte) {
	return prefixRange(prefixEntry)
}

// anchorKey indexes entries by the height they are anchored at.
func anchorKey(height uint32, id string) []byte {
	key, err := orderedcode.Append(nil, prefixAnchor, uint64(height), id)
	if err != nil {
		panic(err)
	}
	return key
}

func anchorKeyRange() ([]byte, []byte) {
	return prefixRange(prefixAnchor)
}

func anchorKeyHeightRange(height uint32) ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixAnchor, uint64(height))
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixAnchor, uint64(height), orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}

func decodeAnchorKey(key []byte) (height uint32, id string, err error) {
	var (
		prefix int64
		h      uint64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &h, &id)
	if err != nil {
		return 0, "", err
	}
	if len(remaining) != 0 {
		return 0, "", fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixAnchor {
		return 0, "", fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixAnchor, prefix)
	}
	return uint32(h), id, nil
}

func prefixRange(prefix int64) ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefix, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}

func encodeEntry(entry Entry) ([]byte, error) {
	return orderedcode.Append(nil,
		string(entry.Anchor.Hash[:]),
		uint64(entry.Anchor.Height),
		string(entry.Payload),
	)
}

func decodeEntry(id string, bz []byte) (Entry, error) {
	var (
		hash    string
		height  uint64
		payload string
	)
	remaining, err := orderedcode.Parse(string(bz), &hash, &height, &payload)
	if err != nil {
		return Entry{}, err
	}
	if len(remaining) != 0 {
		return Entry{}, fmt.Errorf("expected complete entry but got remainder: %s", remaining)
	}
	anchor, err := chainhash.NewHash([]byte(hash))
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:     id,
		Anchor: Position{Hash: *anchor, Height: uint32(height)},
	}
	if len(payload) > 0 {
		entry.Payload = []byte(payload)
	}
	return entry, nil
}
