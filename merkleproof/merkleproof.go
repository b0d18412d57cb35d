// Package merkleproof rewrites the binary proof produced by the node's
// gettxoutproof call into the {pos, merkle branch, merkle root} form the
// Electrum protocol uses.
//
// The node serialises a CMerkleBlock: an 80 byte block header followed by a
// partial merkle tree (total transaction count, the subset of tree hashes
// needed to reconstruct the root, and a packed bit vector steering the
// traversal). Walking the virtual tree top-down with those flag bits yields
// the matched transaction's position and its sibling hashes from leaf to
// root.
package merkleproof

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/hashes"
)

// ElectrumProof is the Electrum rendering of a single-transaction merkle
// proof. Hashes are display-order hex.
type ElectrumProof struct {
	Merkle     []string
	Pos        int
	MerkleRoot string
}

const headerSize = 80

// Convert parses a hex-encoded gettxoutproof blob covering one transaction
// and returns the Electrum form of the proof.
func Convert(coreProofHex string) (*ElectrumProof, error) {
	blob, err := hex.DecodeString(coreProofHex)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode proof hex")
	}
	if len(blob) < headerSize+4 {
		return nil, errors.New("proof too short")
	}
	headerMerkleRoot := blob[36:68]

	r := bytes.NewReader(blob[headerSize:])
	var ntx uint32
	if err := binary.Read(r, binary.LittleEndian, &ntx); err != nil {
		return nil, errors.Wrap(err, "could not read transaction count")
	}
	if ntx == 0 {
		return nil, errors.New("proof covers an empty block")
	}

	hashCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not read hash count")
	}
	treeHashes := make([][]byte, hashCount)
	for i := range treeHashes {
		h := make([]byte, 32)
		if _, err := io.ReadFull(r, h); err != nil {
			return nil, errors.Wrap(err, "could not read tree hash")
		}
		treeHashes[i] = h
	}

	flagByteCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not read flag count")
	}
	flagBytes := make([]byte, flagByteCount)
	if flagByteCount > 0 {
		if _, err := io.ReadFull(r, flagBytes); err != nil {
			return nil, errors.Wrap(err, "could not read flag bits")
		}
	}
	flags := make([]bool, 0, flagByteCount*8)
	for _, b := range flagBytes {
		for bit := uint(0); bit < 8; bit++ {
			flags = append(flags, b>>bit&1 == 1)
		}
	}

	tree := &partialTree{ntx: ntx, hashes: treeHashes, flags: flags}
	height := uint32(0)
	for tree.width(height) > 1 {
		height++
	}
	root, matched, err := tree.traverse(height, 0)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, errors.New("proof does not match any transaction")
	}
	if !bytes.Equal(root, headerMerkleRoot) {
		return nil, errors.New("computed root differs from header merkle root")
	}

	branch := make([]string, len(tree.branch))
	for i, h := range tree.branch {
		branch[i] = hashes.HashEncode(h)
	}
	return &ElectrumProof{
		Merkle:     branch,
		Pos:        int(tree.matchedPos),
		MerkleRoot: hashes.HashEncode(headerMerkleRoot),
	}, nil
}

// partialTree replays Bitcoin's partial merkle tree traversal, collecting
// the matched leaf position and its branch of sibling hashes on the way.
type partialTree struct {
	ntx    uint32
	hashes [][]byte
	flags  []bool

	hashUsed int
	flagUsed int

	matchedPos uint32
	branch     [][]byte
}

// width is the number of nodes at the given height, leaves being height 0.
func (t *partialTree) width(height uint32) uint32 {
	return (t.ntx + 1<<height - 1) >> height
}

func (t *partialTree) nextFlag() (bool, error) {
	if t.flagUsed >= len(t.flags) {
		return false, errors.New("proof overran its flag bits")
	}
	f := t.flags[t.flagUsed]
	t.flagUsed++
	return f, nil
}

func (t *partialTree) nextHash() ([]byte, error) {
	if t.hashUsed >= len(t.hashes) {
		return nil, errors.New("proof overran its hashes")
	}
	h := t.hashes[t.hashUsed]
	t.hashUsed++
	return h, nil
}

// traverse returns the subtree hash at (height, pos) and whether the
// matched transaction lives inside it. Siblings along the matched path are
// appended to t.branch deepest-first, which is leaf-to-root order.
func (t *partialTree) traverse(height, pos uint32) ([]byte, bool, error) {
	parentOfMatch, err := t.nextFlag()
	if err != nil {
		return nil, false, err
	}
	if height == 0 || !parentOfMatch {
		h, err := t.nextHash()
		if err != nil {
			return nil, false, err
		}
		if height == 0 && parentOfMatch {
			t.matchedPos = pos
			return h, true, nil
		}
		return h, false, nil
	}

	left, leftMatch, err := t.traverse(height-1, pos*2)
	if err != nil {
		return nil, false, err
	}
	right := left
	rightMatch := false
	if pos*2+1 < t.width(height-1) {
		right, rightMatch, err = t.traverse(height-1, pos*2+1)
		if err != nil {
			return nil, false, err
		}
	}
	if leftMatch {
		t.branch = append(t.branch, right)
	} else if rightMatch {
		t.branch = append(t.branch, left)
	}
	combined := hashes.DoubleSha256(append(append([]byte{}, left...), right...))
	return combined, leftMatch || rightMatch, nil
}
