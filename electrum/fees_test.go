package electrum

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitwatch/electrum-personal-server/rpc"
)

func mempoolEntry(feeBTC float64, vsize int64) rpc.MempoolEntry {
	entry := rpc.MempoolEntry{Vsize: vsize}
	entry.Fees.Base = feeBTC
	return entry
}

func TestFeeHistogramSmallMempoolIsEmpty(t *testing.T) {
	mempool := map[string]rpc.MempoolEntry{
		"tx1": mempoolEntry(0.0001, 250), // 40 sat/vB
		"tx2": mempoolEntry(0.00005, 200), // 25 sat/vB
	}
	// 450 bytes never overflows the first 100000 byte bin
	assert.Empty(t, feeHistogramFromMempool(mempool))
}

func TestFeeHistogramEmitsOverflowingBin(t *testing.T) {
	mempool := map[string]rpc.MempoolEntry{
		"tx1": mempoolEntry(1.00000000, 200000), // 500 sat/vB, overflows alone
	}
	histogram := feeHistogramFromMempool(mempool)
	assert.Equal(t, [][2]int64{{500, 200000}}, histogram)
}

func TestFeeHistogramMonotoneRates(t *testing.T) {
	mempool := make(map[string]rpc.MempoolEntry)
	// lots of weight at many distinct fee rates
	for i := int64(1); i <= 50; i++ {
		feeBTC := float64(i) * 30000 * 1e-8 // i sat/vB at 30000 vbytes
		mempool[fmt.Sprintf("tx%d", i)] = mempoolEntry(feeBTC, 30000)
	}
	histogram := feeHistogramFromMempool(mempool)
	assert.NotEmpty(t, histogram)
	for i := 1; i < len(histogram); i++ {
		assert.Less(t, histogram[i][0], histogram[i-1][0])
	}
}

func TestFeeHistogramHonoursLegacySizeField(t *testing.T) {
	entry := rpc.MempoolEntry{Size: 150000, Fee: 0.0003}
	histogram := feeHistogramFromMempool(map[string]rpc.MempoolEntry{"tx1": entry})
	// 30000 sat over 150000 vbytes: 0 sat/vB bucket, still emitted once
	// the size overflows the bin
	assert.Equal(t, [][2]int64{{0, 150000}}, histogram)
}
