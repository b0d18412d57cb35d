// Package headers tracks the blockchain tip and re-encodes block headers
// into the two forms the Electrum protocol knows: the canonical 80 byte
// frame and the structured field map older protocol versions use.
package headers

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/rpc"
)

// NodeRPC is the slice of the node client the engine needs.
type NodeRPC interface {
	BestBlockHash() (string, error)
	BlockHash(height int64) (string, error)
	GetBlockHeader(blockHash string) (*rpc.BlockHeader, error)
}

// StructuredHeader is the pre-1.4 protocol encoding of a header.
type StructuredHeader struct {
	BlockHeight   int64  `json:"block_height"`
	PrevBlockHash string `json:"prev_block_hash"`
	Timestamp     uint32 `json:"timestamp"`
	MerkleRoot    string `json:"merkle_root"`
	Version       int32  `json:"version"`
	Nonce         uint32 `json:"nonce"`
	Bits          int64  `json:"bits"`
}

// RawHeader carries the 80 byte frame in hex plus its height.
type RawHeader struct {
	Hex    string `json:"hex"`
	Height int64  `json:"height"`
}

// Engine owns the last observed tip.
type Engine struct {
	rpc           NodeRPC
	log           hclog.Logger
	bestBlockHash string
}

// NewEngine creates an engine primed with the tip observed at startup, so
// the first connected heartbeat does not report a phantom change.
func NewEngine(nodeRPC NodeRPC, bestBlockHash string, logger hclog.Logger) *Engine {
	return &Engine{rpc: nodeRPC, log: logger, bestBlockHash: bestBlockHash}
}

// BlockHeader fetches a header by hash and encodes it raw or structured.
func (e *Engine) BlockHeader(blockHash string, raw bool) (interface{}, error) {
	header, err := e.rpc.GetBlockHeader(blockHash)
	if err != nil {
		return nil, err
	}
	if raw {
		frame, err := packHeader(header)
		if err != nil {
			return nil, err
		}
		return &RawHeader{Hex: hex.EncodeToString(frame), Height: header.Height}, nil
	}
	bits, err := strconv.ParseInt(header.Bits, 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse header bits")
	}
	return &StructuredHeader{
		BlockHeight:   header.Height,
		PrevBlockHash: header.PreviousBlockHash,
		Timestamp:     header.Time,
		MerkleRoot:    header.MerkleRoot,
		Version:       header.Version,
		Nonce:         header.Nonce,
		Bits:          bits,
	}, nil
}

// BlockHeaderAtHeight resolves a height then encodes its header. The
// caller maps a lookup failure to the protocol's out-of-range error.
func (e *Engine) BlockHeaderAtHeight(height int64, raw bool) (interface{}, error) {
	blockHash, err := e.rpc.BlockHash(height)
	if err != nil {
		return nil, err
	}
	return e.BlockHeader(blockHash, raw)
}

// CurrentHeader returns the tip hash and its encoded header without
// touching the engine's tip state.
func (e *Engine) CurrentHeader(raw bool) (string, interface{}, error) {
	bestBlockHash, err := e.rpc.BestBlockHash()
	if err != nil {
		return "", nil, err
	}
	header, err := e.BlockHeader(bestBlockHash, raw)
	if err != nil {
		return "", nil, err
	}
	return bestBlockHash, header, nil
}

// CheckForNewTip reads the node's tip, updates the stored one and reports
// whether it changed, together with the current header.
func (e *Engine) CheckForNewTip(raw bool) (bool, interface{}, error) {
	bestBlockHash, header, err := e.CurrentHeader(raw)
	if err != nil {
		return false, nil, err
	}
	changed := e.bestBlockHash != bestBlockHash
	e.bestBlockHash = bestBlockHash
	return changed, header, nil
}

// BlockHeadersHex walks forward from startHeight concatenating up to count
// 80 byte frames, stopping early at the tip. An out-of-range start is not
// an error: it yields zero headers.
func (e *Engine) BlockHeadersHex(startHeight int64, count int) (string, int, error) {
	blockHash, err := e.rpc.BlockHash(startHeight)
	if err != nil {
		if _, ok := rpc.AsRPCError(err); ok {
			return "", 0, nil
		}
		return "", 0, err
	}
	var result bytes.Buffer
	for i := 0; i < count; i++ {
		header, err := e.rpc.GetBlockHeader(blockHash)
		if err != nil {
			return "", 0, err
		}
		frame, err := packHeader(header)
		if err != nil {
			return "", 0, err
		}
		result.Write(frame)
		if header.NextBlockHash == "" {
			break
		}
		blockHash = header.NextBlockHash
	}
	return hex.EncodeToString(result.Bytes()), result.Len() / 80, nil
}

// packHeader rebuilds the canonical 80 byte header frame: little-endian
// int32 version, previous block hash and merkle root in internal byte
// order, then timestamp, compact target and nonce as little-endian uint32.
func packHeader(header *rpc.BlockHeader) ([]byte, error) {
	prevBlock := &chainhash.Hash{} // the genesis block has no parent
	if header.PreviousBlockHash != "" {
		var err error
		prevBlock, err = chainhash.NewHashFromStr(header.PreviousBlockHash)
		if err != nil {
			return nil, errors.Wrap(err, "could not parse previous block hash")
		}
	}
	merkleRoot, err := chainhash.NewHashFromStr(header.MerkleRoot)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse merkle root")
	}
	bits, err := strconv.ParseUint(header.Bits, 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse header bits")
	}
	frame := wire.BlockHeader{
		Version:    header.Version,
		PrevBlock:  *prevBlock,
		MerkleRoot: *merkleRoot,
		Timestamp:  time.Unix(int64(header.Time), 0),
		Bits:       uint32(bits),
		Nonce:      header.Nonce,
	}
	var buf bytes.Buffer
	if err := frame.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, "could not serialize header")
	}
	return buf.Bytes(), nil
}
