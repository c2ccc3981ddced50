package batch

import (
	"hash/fnv"
	"sort"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
)

// matchTokens lists the values through which p could match, or be matched by, another
// proposal of its type: both sides of every rule condition, keyed by the target
// attribute, plus the derived primary key.
func matchTokens(catalog *rules.Catalog, p model.EntityProposal, primaryKey string) []string {
	tokens := []string{p.Type + "|#key|" + primaryKey}
	for _, rule := range catalog.RulesFor(p.Type) {
		for _, cond := range rule.Lookups() {
			for _, attr := range []string{cond.Source, cond.Target} {
				for _, v := range model.FoldAll(p.Attributes[attr]) {
					tokens = append(tokens, p.Type+"|"+cond.Target+"|"+v)
				}
			}
		}
	}
	return tokens
}

// unionFind groups proposal indexes that share a token.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so roots are stable across runs.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case ra < rb:
		u.parent[rb] = ra
	default:
		u.parent[ra] = rb
	}
}

// partition assigns every proposal to one of n shards. Proposals that share any
// token land in the same group, and a group never spans shards. Each shard lists
// its proposal indexes in input order.
func partition(tokens map[int][]string, n int) [][]int {
	if n < 1 {
		n = 1
	}
	indexes := make([]int, 0, len(tokens))
	for idx := range tokens {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	pos := make(map[int]int, len(indexes))
	for i, idx := range indexes {
		pos[idx] = i
	}
	uf := newUnionFind(len(indexes))
	owner := make(map[string]int)
	for _, idx := range indexes {
		for _, tok := range tokens[idx] {
			if first, ok := owner[tok]; ok {
				uf.union(pos[first], pos[idx])
				continue
			}
			owner[tok] = idx
		}
	}

	// Groups hash by the smallest token of the group.
	groupKey := make(map[int]string)
	for _, idx := range indexes {
		root := uf.find(pos[idx])
		for _, tok := range tokens[idx] {
			if cur, ok := groupKey[root]; !ok || tok < cur {
				groupKey[root] = tok
			}
		}
	}

	shards := make([][]int, n)
	for _, idx := range indexes {
		root := uf.find(pos[idx])
		s := shardOf(groupKey[root], n)
		shards[s] = append(shards[s], idx)
	}
	return shards
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
