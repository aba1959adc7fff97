package tokens

import (
	"fmt"
	"time"

	"github.com/openfork/openfork/internal/store"
)

// Layer 2 thresholds.
const (
	// DefaultMaxOutputTokens is the room reserved for model output when
	// deciding whether pruning is needed.
	DefaultMaxOutputTokens = 16384
	// PruneProtectTokens worth of the newest parts are never touched.
	PruneProtectTokens = 40000
	// PruneOutputRetainChars of each pruned output are kept.
	PruneOutputRetainChars = 2000
	// PruneMinimumTokens is the savings target; pruning stops once reached.
	PruneMinimumTokens = 20000
)

// PruneResult is the outcome of one pruning pass. Parts is always a cloned
// list; inputs are never mutated.
type PruneResult struct {
	Parts        []*store.MessagePart
	TokensBefore int
	TokensAfter  int
	PartsPruned  int
	WasPruned    bool
}

// PruneParts shortens old tool outputs when the session is close to its
// context limit. The newest parts totalling PruneProtectTokens are
// immutable; older tool parts lose all but the first
// PruneOutputRetainChars characters of output until PruneMinimumTokens of
// savings are reached or the scan runs out of candidates.
func PruneParts(parts []*store.MessagePart, currentTokens, contextLimit int) PruneResult {
	res := PruneResult{
		Parts:        cloneParts(parts),
		TokensBefore: currentTokens,
		TokensAfter:  currentTokens,
	}

	if currentTokens < contextLimit-DefaultMaxOutputTokens || currentTokens < PruneProtectTokens {
		return res
	}

	boundary := protectionBoundary(parts)
	now := time.Now().UTC()
	saved := 0

	for i := 0; i < boundary; i++ {
		p := res.Parts[i]
		if p.Kind != store.PartTool || p.IsPruned || len(p.ToolOutput) <= PruneOutputRetainChars {
			continue
		}
		before := EstimatePart(p)
		p.ToolOutput = cutString(p.ToolOutput, PruneOutputRetainChars) +
			fmt.Sprintf("\n\n[Output pruned: kept first %d chars]", PruneOutputRetainChars)
		p.IsPruned = true
		p.UpdatedAt = now

		saved += before - EstimatePart(p)
		res.PartsPruned++
		if saved >= PruneMinimumTokens {
			break
		}
	}

	if res.PartsPruned > 0 {
		res.WasPruned = true
		res.TokensAfter = currentTokens - saved
	}
	return res
}

// protectionBoundary returns the index of the oldest protected part:
// scanning from newest to oldest, parts stay protected until the next one
// would push the accumulated estimate above PruneProtectTokens.
func protectionBoundary(parts []*store.MessagePart) int {
	acc := 0
	for i := len(parts) - 1; i >= 0; i-- {
		n := EstimatePart(parts[i])
		if acc+n > PruneProtectTokens {
			return i + 1
		}
		acc += n
	}
	return 0
}

func cloneParts(parts []*store.MessagePart) []*store.MessagePart {
	out := make([]*store.MessagePart, len(parts))
	for i, p := range parts {
		out[i] = p.Clone()
	}
	return out
}
