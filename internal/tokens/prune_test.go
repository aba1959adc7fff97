package tokens

import (
	"strings"
	"testing"

	"github.com/openfork/openfork/internal/store"
)

func toolPart(output string) *store.MessagePart {
	return &store.MessagePart{
		ID:         store.NewID(),
		Kind:       store.PartTool,
		ToolName:   "bash",
		ToolOutput: output,
		ToolState:  store.ToolCompleted,
	}
}

func totalEstimate(parts []*store.MessagePart) int {
	n := 0
	for _, p := range parts {
		n += EstimatePart(p)
	}
	return n
}

func TestPruneBelowThresholdIsNoop(t *testing.T) {
	parts := []*store.MessagePart{toolPart(strings.Repeat("x", 10000))}
	res := PruneParts(parts, 10000, 128000)
	if res.WasPruned {
		t.Error("pruning fired below threshold")
	}
	if res.Parts[0].ToolOutput != parts[0].ToolOutput {
		t.Error("part mutated despite no-op")
	}
}

func TestPruneProtectsRecentParts(t *testing.T) {
	// Two old large parts plus enough recent content to fill the
	// protection window.
	old1 := toolPart(strings.Repeat("a", 40000))
	old2 := toolPart(strings.Repeat("b", 40000))
	var recent []*store.MessagePart
	for i := 0; i < 5; i++ {
		recent = append(recent, toolPart(strings.Repeat("r", 30000)))
	}
	parts := append([]*store.MessagePart{old1, old2}, recent...)
	current := totalEstimate(parts)

	res := PruneParts(parts, current, 60000)
	if !res.WasPruned {
		t.Fatal("expected pruning")
	}

	boundary := protectionBoundary(parts)
	for i := boundary; i < len(parts); i++ {
		if res.Parts[i].ToolOutput != parts[i].ToolOutput {
			t.Errorf("protected part %d was modified", i)
		}
		if res.Parts[i].IsPruned {
			t.Errorf("protected part %d marked pruned", i)
		}
	}
}

func TestPrunedPartShape(t *testing.T) {
	old := toolPart(strings.Repeat("a", 50000))
	var recent []*store.MessagePart
	for i := 0; i < 6; i++ {
		recent = append(recent, toolPart(strings.Repeat("r", 30000)))
	}
	parts := append([]*store.MessagePart{old}, recent...)
	current := totalEstimate(parts)

	res := PruneParts(parts, current, 60000)
	if !res.WasPruned {
		t.Fatal("expected pruning")
	}
	got := res.Parts[0]
	if !got.IsPruned {
		t.Fatal("oldest part not pruned")
	}
	if !strings.HasPrefix(got.ToolOutput, strings.Repeat("a", PruneOutputRetainChars)) {
		t.Error("retained prefix wrong")
	}
	if !strings.Contains(got.ToolOutput, "[Output pruned: kept first 2000 chars]") {
		t.Error("missing prune marker")
	}
	if got.ToolState != store.ToolCompleted {
		t.Error("status must not change on prune")
	}
	// Input list untouched.
	if parts[0].IsPruned || len(parts[0].ToolOutput) != 50000 {
		t.Error("input parts mutated")
	}
}

func TestPruneStopsAtMinimumSavings(t *testing.T) {
	var old []*store.MessagePart
	for i := 0; i < 10; i++ {
		old = append(old, toolPart(strings.Repeat("o", 100000)))
	}
	var recent []*store.MessagePart
	for i := 0; i < 6; i++ {
		recent = append(recent, toolPart(strings.Repeat("r", 30000)))
	}
	parts := append(old, recent...)
	current := totalEstimate(parts)

	res := PruneParts(parts, current, 100000)
	if !res.WasPruned {
		t.Fatal("expected pruning")
	}
	// One pruned 100k-char part saves ~24.5k tokens, over the 20k
	// minimum, so exactly one part should be touched.
	if res.PartsPruned != 1 {
		t.Errorf("pruned %d parts, want 1", res.PartsPruned)
	}
	saved := res.TokensBefore - res.TokensAfter
	if saved < PruneMinimumTokens {
		t.Errorf("saved %d tokens, want at least %d", saved, PruneMinimumTokens)
	}
}
