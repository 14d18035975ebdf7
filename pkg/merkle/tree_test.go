package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBuildTreeSingleLeaf(t *testing.T) {
	tree, err := BuildTree([]string{"a"})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	if got, want := tree.Root(), sha("a"); got != want {
		t.Errorf("Root() = %s, want %s", got, want)
	}
}

func TestBuildTreeEmpty(t *testing.T) {
	if _, err := BuildTree(nil); err == nil {
		t.Error("BuildTree(nil) expected error")
	}
}

func TestBuildTreeFourLeaves(t *testing.T) {
	tree, err := BuildTree([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}

	// Recompute by hand: parents hash concatenated hex digests
	ab := sha(sha("a") + sha("b"))
	cd := sha(sha("c") + sha("d"))
	want := sha(ab + cd)
	if got := tree.Root(); got != want {
		t.Errorf("Root() = %s, want %s", got, want)
	}
}

func TestBuildTreeOddLeavesDuplicatesLast(t *testing.T) {
	tree, err := BuildTree([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}

	ab := sha(sha("a") + sha("b"))
	cc := sha(sha("c") + sha("c"))
	want := sha(ab + cc)
	if got := tree.Root(); got != want {
		t.Errorf("Root() = %s, want %s", got, want)
	}
}

func TestProofVerifyAllLeaves(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		items := make([]string, size)
		for i := range items {
			items[i] = strings.Repeat("x", i+1)
		}
		tree, err := BuildTree(items)
		if err != nil {
			t.Fatalf("BuildTree(size=%d) error = %v", size, err)
		}
		for i, item := range items {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("Proof(%d) error = %v", i, err)
			}
			ok, err := Verify(tree.Root(), HashItem(item), proof)
			if err != nil {
				t.Fatalf("Verify(size=%d, leaf=%d) error = %v", size, i, err)
			}
			if !ok {
				t.Errorf("Verify(size=%d, leaf=%d) = false, want true", size, i)
			}
		}
	}
}

func TestProofForItem(t *testing.T) {
	tree, err := BuildTree([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}

	proof, err := tree.ProofForItem("c")
	if err != nil {
		t.Fatalf("ProofForItem() error = %v", err)
	}
	ok, err := Verify(tree.Root(), HashItem("c"), proof)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() = false for honest proof of leaf c")
	}
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	tree, err := BuildTree([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	proof, err := tree.ProofForItem("c")
	if err != nil {
		t.Fatalf("ProofForItem() error = %v", err)
	}

	// Flip one hex character of the first sibling
	tampered := append([]string{}, proof...)
	step := []byte(tampered[0])
	last := len(step) - 1
	if step[last] == 'a' {
		step[last] = 'b'
	} else {
		step[last] = 'a'
	}
	tampered[0] = string(step)

	ok, err := Verify(tree.Root(), HashItem("c"), tampered)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Error("Verify() = true for tampered proof, want false")
	}
}

func TestVerifyRejectsMalformedProof(t *testing.T) {
	tests := []struct {
		name string
		step string
	}{
		{"short sibling", "L:abcd"},
		{"non-hex sibling", "R:" + strings.Repeat("z", 64)},
		{"empty step", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(sha("root"), sha("leaf"), []string{tt.step}); err == nil {
				t.Errorf("Verify() with step %q expected error", tt.step)
			}
		})
	}
}

func TestVerifyAcceptsUndirectedSteps(t *testing.T) {
	// Two leaves: proof for the right leaf is its left sibling, which an
	// undirected legacy proof encodes without a prefix.
	tree, err := BuildTree([]string{"a", "b"})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	ok, err := Verify(tree.Root(), HashItem("b"), []string{HashItem("a")})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() = false for undirected left-sibling proof")
	}
}
