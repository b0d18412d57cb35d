package electrum

import (
	"math"
	"sort"

	"github.com/bitwatch/electrum-personal-server/rpc"
)

// feeHistogramFromMempool compresses the mempool into the
// [[fee_rate, size], ...] histogram the protocol expects. Entries are
// bucketed by integer sat/vB, swept in descending rate order, and emitted
// whenever the accumulated size overflows the current bin; each bin is 10%
// wider than the previous one.
func feeHistogramFromMempool(mempool map[string]rpc.MempoolEntry) [][2]int64 {
	rateSizes := make(map[int64]int64)
	for _, entry := range mempool {
		size := entry.VirtualSize()
		if size <= 0 {
			continue
		}
		feeRate := int64(math.Round(entry.BaseFee()*1e8)) / size
		rateSizes[feeRate] += size
	}
	rates := make([]int64, 0, len(rateSizes))
	for rate := range rateSizes {
		rates = append(rates, rate)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] > rates[j] })

	histogram := make([][2]int64, 0)
	var size int64
	carry := 0.0
	binSize := 100000.0
	for _, rate := range rates {
		size += rateSizes[rate]
		if float64(size)+carry > binSize {
			histogram = append(histogram, [2]int64{rate, size})
			carry += float64(size) - binSize
			size = 0
			binSize *= 1.1
		}
	}
	return histogram
}
