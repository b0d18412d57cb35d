// Package blockfinder resolves a wall-clock date to a block height by
// binary searching the chain's header timestamps. Used by the rescan
// command so users can give a wallet creation date instead of a height.
package blockfinder

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/bitwatch/electrum-personal-server/rpc"
)

// NodeRPC is the slice of the node client the search needs.
type NodeRPC interface {
	BestBlockHash() (string, error)
	BlockHash(height int64) (string, error)
	GetBlockHeader(blockHash string) (*rpc.BlockHeader, error)
}

// tolerance is how close a block's timestamp must be to the target for the
// search to stop. Block timestamps are only accurate to about this much
// anyway.
const tolerance = 2 * time.Hour

// SearchHeightForDate finds a block whose timestamp is within the
// tolerance of the target time.
func SearchHeightForDate(node NodeRPC, target time.Time, logger hclog.Logger) (int64, error) {
	bestHash, err := node.BestBlockHash()
	if err != nil {
		return 0, errors.Wrap(err, "could not fetch the tip")
	}
	bestHeader, err := node.GetBlockHeader(bestHash)
	if err != nil {
		return 0, errors.Wrap(err, "could not fetch the tip header")
	}
	if target.After(time.Unix(int64(bestHeader.Time), 0)) {
		return 0, errors.New("date is in the future")
	}

	genesisHash, err := node.BlockHash(0)
	if err != nil {
		return 0, errors.Wrap(err, "could not fetch the genesis hash")
	}
	genesisHeader, err := node.GetBlockHeader(genesisHash)
	if err != nil {
		return 0, errors.Wrap(err, "could not fetch the genesis header")
	}
	if target.Before(time.Unix(int64(genesisHeader.Time), 0)) {
		logger.Warn("date is before the creation of bitcoin")
		return 0, nil
	}

	first, last := int64(0), bestHeader.Height
	for {
		mid := (first + last) / 2
		midHash, err := node.BlockHash(mid)
		if err != nil {
			return 0, errors.Wrap(err, "could not fetch a block hash")
		}
		midHeader, err := node.GetBlockHeader(midHash)
		if err != nil {
			return 0, errors.Wrap(err, "could not fetch a block header")
		}
		diff := time.Unix(int64(midHeader.Time), 0).Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff < tolerance {
			return midHeader.Height, nil
		}
		if time.Unix(int64(midHeader.Time), 0).Before(target) {
			first = mid
		} else {
			last = mid
		}
		if last-first <= 1 {
			// timestamps are not perfectly monotonic; settle for the
			// nearest bracket
			return first, nil
		}
	}
}
