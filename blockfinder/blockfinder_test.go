package blockfinder

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitwatch/electrum-personal-server/rpc"
)

// fixtureChain is a synthetic chain with one block every 10 minutes.
type fixtureChain struct {
	genesisTime int64
	height      int64
}

func (f *fixtureChain) hashAt(height int64) string {
	return fmt.Sprintf("hash%d", height)
}

func (f *fixtureChain) BestBlockHash() (string, error) {
	return f.hashAt(f.height), nil
}

func (f *fixtureChain) BlockHash(height int64) (string, error) {
	if height < 0 || height > f.height {
		return "", &btcjson.RPCError{Code: btcjson.ErrRPCOutOfRange, Message: "Block height out of range"}
	}
	return f.hashAt(height), nil
}

func (f *fixtureChain) GetBlockHeader(blockHash string) (*rpc.BlockHeader, error) {
	var height int64
	if _, err := fmt.Sscanf(blockHash, "hash%d", &height); err != nil {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCBlockNotFound, Message: "Block not found"}
	}
	return &rpc.BlockHeader{
		Hash:   blockHash,
		Height: height,
		Time:   uint32(f.genesisTime + height*600),
	}, nil
}

func TestSearchFindsNearbyBlock(t *testing.T) {
	chain := &fixtureChain{genesisTime: 1231006505, height: 500000}
	target := time.Unix(chain.genesisTime+123456*600, 0)

	height, err := SearchHeightForDate(chain, target, hclog.NewNullLogger())
	require.NoError(t, err)
	// within the two hour tolerance: 12 blocks at 10 minutes apart
	assert.InDelta(t, 123456, height, 12)
}

func TestSearchRejectsFutureDate(t *testing.T) {
	chain := &fixtureChain{genesisTime: 1231006505, height: 1000}
	_, err := SearchHeightForDate(chain, time.Unix(chain.genesisTime+600*2000, 0), hclog.NewNullLogger())
	assert.Error(t, err)
}

func TestSearchClampsPreGenesisDate(t *testing.T) {
	chain := &fixtureChain{genesisTime: 1231006505, height: 1000}
	height, err := SearchHeightForDate(chain, time.Unix(1000, 0), hclog.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(0), height)
}
