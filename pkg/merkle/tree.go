package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Tree is a binary hash tree over an ordered item list. Leaves are
// SHA-256 digests of the items; each internal node hashes the
// concatenation of its children's lowercase hex digests. Odd levels
// duplicate their last node.
type Tree struct {
	leaves []string   // hex digests, submitted order
	levels [][]string // levels[0] = leaves, last level = [root]
}

// HashItem returns the lowercase hex SHA-256 of one input item
func HashItem(item string) string {
	sum := sha256.Sum256([]byte(item))
	return hex.EncodeToString(sum[:])
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// BuildTree constructs the tree over items in submitted order
func BuildTree(items []string) (*Tree, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot build tree over zero items")
	}

	leaves := make([]string, len(items))
	for i, item := range items {
		leaves[i] = HashItem(item)
	}

	levels := [][]string{leaves}
	current := leaves
	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
		}
		next := make([]string, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			next = append(next, hashPair(current[i], current[i+1]))
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{leaves: leaves, levels: levels}, nil
}

// Root returns the root digest
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of submitted items
func (t *Tree) LeafCount() int {
	return len(t.leaves)
}

// Proof generates the inclusion proof for the leaf at index. Each step
// records the sibling digest prefixed with its side relative to the
// current node: "L:<hex>" when the sibling is on the left, "R:<hex>"
// when on the right.
func (t *Tree) Proof(index int) ([]string, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(t.leaves))
	}

	var proof []string
	for _, level := range t.levels[:len(t.levels)-1] {
		// Mirror the build step: odd levels extend with their last node
		nodes := level
		if len(nodes)%2 == 1 {
			nodes = append(append([]string{}, nodes...), nodes[len(nodes)-1])
		}
		if index%2 == 0 {
			proof = append(proof, "R:"+nodes[index+1])
		} else {
			proof = append(proof, "L:"+nodes[index-1])
		}
		index /= 2
	}
	return proof, nil
}

// ProofForItem generates the inclusion proof for the first leaf whose
// digest matches HashItem(item).
func (t *Tree) ProofForItem(item string) ([]string, error) {
	target := HashItem(item)
	for i, leaf := range t.leaves {
		if leaf == target {
			return t.Proof(i)
		}
	}
	return nil, fmt.Errorf("item not present in tree")
}

// Verify checks a directional inclusion proof of targetHash against
// root. Undirected steps (no "L:"/"R:" prefix) are accepted for
// compatibility and treated as left siblings; new proofs are always
// written directional.
func Verify(root, targetHash string, proof []string) (bool, error) {
	h := targetHash
	for _, step := range proof {
		dir, sibling, err := splitStep(step)
		if err != nil {
			return false, err
		}
		if dir == "L" {
			h = hashPair(sibling, h)
		} else {
			h = hashPair(h, sibling)
		}
	}
	return h == root, nil
}

func splitStep(step string) (dir, sibling string, err error) {
	switch {
	case strings.HasPrefix(step, "L:"):
		dir, sibling = "L", step[2:]
	case strings.HasPrefix(step, "R:"):
		dir, sibling = "R", step[2:]
	default:
		// Compatibility: undirected siblings hash on the left
		dir, sibling = "L", step
	}
	if len(sibling) != sha256.Size*2 {
		return "", "", fmt.Errorf("invalid proof step %q: sibling must be a sha-256 hex digest", step)
	}
	if _, err := hex.DecodeString(sibling); err != nil {
		return "", "", fmt.Errorf("invalid proof step %q: %w", step, err)
	}
	return dir, sibling, nil
}
