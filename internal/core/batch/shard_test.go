package batch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/testutil"
)

func shardIndex(shards [][]int) map[int]int {
	out := make(map[int]int)
	for s, idxs := range shards {
		for _, idx := range idxs {
			out[idx] = s
		}
	}
	return out
}

func TestPartitionKeepsGroupsTogether(t *testing.T) {
	tokens := map[int][]string{
		0: {"a"},
		1: {"b"},
		2: {"c", "a"},
		3: {"b", "d"},
		4: {"d", "c"},
		5: {"z"},
	}
	for n := 1; n <= 6; n++ {
		shards := partition(tokens, n)
		require.Len(t, shards, n)

		where := shardIndex(shards)
		assert.Len(t, where, 6)
		// 0-2-4-3-1 are chained through shared tokens.
		for _, idx := range []int{1, 2, 3, 4} {
			assert.Equal(t, where[0], where[idx], "n=%d idx=%d", n, idx)
		}
		for _, idxs := range shards {
			assert.IsIncreasing(t, append([]int{-1}, idxs...))
		}
	}
}

func TestPartitionIsStable(t *testing.T) {
	tokens := map[int][]string{0: {"x"}, 1: {"y"}, 2: {"x", "w"}, 3: {"v"}}
	first := partition(tokens, 4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, partition(tokens, 4))
	}
}

func TestPartitionClampsShardCount(t *testing.T) {
	shards := partition(map[int][]string{0: {"a"}, 3: {"b"}}, 0)
	require.Len(t, shards, 1)
	assert.Equal(t, []int{0, 3}, shards[0])
}

func TestMatchTokensCoverBothRuleSides(t *testing.T) {
	c := testutil.Catalog(t)
	p := testutil.Normalized(t, c, model.EntityProposal{
		Type:       "Organization",
		Attributes: model.Attributes{"name": " ACME ", "domain": "acme.com", "aliases": []any{"Acme Inc"}},
	})

	tokens := matchTokens(c, p, "ACME")
	assert.Contains(t, tokens, "Organization|#key|ACME")
	assert.Contains(t, tokens, "Organization|domain|acme.com")
	// name is the source side of the alias condition, aliases the target side.
	assert.Contains(t, tokens, "Organization|aliases|acme")
	assert.Contains(t, tokens, "Organization|aliases|acme inc")
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	a, b := 0, 0
	counter := map[string]*int{"a": &a, "b": &b}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.Lock(key)
				*counter[key]++
				unlock()
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 50, a)
	assert.Equal(t, 50, b)
	assert.Equal(t, 0, k.size())
}
