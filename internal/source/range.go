package source

import "fmt"

// BlockRange is an inclusive span of blocks fetched in one FilterLogs call.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange cuts [from, to] into consecutive spans of at most batchSize blocks.
// It stops at to even when to is the largest uint64.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	switch {
	case batchSize == 0:
		return nil, fmt.Errorf("batch size must be greater than zero")
	case to < from:
		return nil, fmt.Errorf("to block %d is before from block %d", to, from)
	}

	out := make([]BlockRange, 0, (to-from)/batchSize+1)
	for start := from; ; {
		end := to
		if to-start >= batchSize {
			end = start + batchSize - 1
		}
		out = append(out, BlockRange{From: start, To: end})
		if end == to {
			return out, nil
		}
		start = end + 1
	}
}
