// Package merkle builds the padded binary sha-256 tree that summarises one
// batch, and produces per-leaf inclusion proofs.
//
// The tree hashes hex strings, not raw bytes: a parent is
// sha256(hex(left) || hex(right)) over the UTF-8 concatenation of the two
// lowercase hex child hashes. This is a wire contract with already-anchored
// batches and must not be changed.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Algorithm is the only supported leaf/node hash.
const Algorithm = "sha256"

// Node is one entry in the flat node list. Leaves carry IsOriginal; internal
// nodes carry child indices into the same list.
type Node struct {
	Index      int    `json:"index"`
	Hash       string `json:"hash"`
	Level      int    `json:"level"`
	IsOriginal *bool  `json:"is_original,omitempty"`
	LeftChild  *int   `json:"left_child,omitempty"`
	RightChild *int   `json:"right_child,omitempty"`
}

// Proof is the sibling path for one original leaf. Positions are "left" or
// "right", naming the side the sibling hash is concatenated on.
type Proof struct {
	LeafIndex        int      `json:"leaf_index"`
	ProofPath        []string `json:"proof_path"`
	SiblingPositions []string `json:"sibling_positions"`
}

// Tree is the sealed batch summary. ProofIndex holds proofs only for
// original leaves, keyed "tx-{i}".
type Tree struct {
	Algorithm     string           `json:"algorithm"`
	Root          string           `json:"root"`
	Height        int              `json:"height"`
	Nodes         []Node           `json:"nodes"`
	ProofIndex    map[string]Proof `json:"proof_index"`
	OriginalCount int              `json:"original_count"`
	PaddedCount   int              `json:"padded_count"`
}

// Build constructs the tree over the ordered leaf hashes. Leaves are padded
// to the next power of two with deterministic hashes derived from the last
// original leaf, so replaying identical leaves yields an identical tree while
// distinct batches get distinct padding.
func Build(leaves []string) (*Tree, error) {
	n := len(leaves)
	if n == 0 {
		return nil, fmt.Errorf("merkle: at least one leaf required")
	}

	m := nextPowerOfTwo(n)
	padded := make([]string, 0, m)
	padded = append(padded, leaves...)
	for len(padded) < m {
		padded = append(padded, paddingHash(leaves[n-1], len(padded)))
	}

	nodes := make([]Node, 0, 2*m-1)
	level := make([]int, m)
	for i, h := range padded {
		orig := i < n
		nodes = append(nodes, Node{
			Index:      i,
			Hash:       h,
			Level:      0,
			IsOriginal: &orig,
		})
		level[i] = i
	}

	// levels[l] lists node indices of level l in left-to-right order; the
	// proof walk indexes siblings through it.
	levels := [][]int{level}
	for len(level) > 1 {
		next := make([]int, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			l, r := level[i], level[i+1]
			parent := Node{
				Index:      len(nodes),
				Hash:       hashPair(nodes[l].Hash, nodes[r].Hash),
				Level:      nodes[l].Level + 1,
				LeftChild:  intPtr(l),
				RightChild: intPtr(r),
			}
			nodes = append(nodes, parent)
			next = append(next, parent.Index)
		}
		levels = append(levels, next)
		level = next
	}

	t := &Tree{
		Algorithm:     Algorithm,
		Root:          nodes[len(nodes)-1].Hash,
		Height:        len(levels) - 1,
		Nodes:         nodes,
		ProofIndex:    make(map[string]Proof, n),
		OriginalCount: n,
		PaddedCount:   m,
	}

	for i := 0; i < n; i++ {
		t.ProofIndex[fmt.Sprintf("tx-%d", i)] = buildProof(nodes, levels, i)
	}
	return t, nil
}

// buildProof walks leaf i upward collecting sibling hashes. An even index
// has its sibling to the right, an odd one to the left.
func buildProof(nodes []Node, levels [][]int, leaf int) Proof {
	p := Proof{
		LeafIndex:        leaf,
		ProofPath:        []string{},
		SiblingPositions: []string{},
	}
	cur := leaf
	for _, lvl := range levels[:len(levels)-1] {
		sibling := cur + 1
		pos := "right"
		if cur%2 == 1 {
			sibling = cur - 1
			pos = "left"
		}
		p.ProofPath = append(p.ProofPath, nodes[lvl[sibling]].Hash)
		p.SiblingPositions = append(p.SiblingPositions, pos)
		cur = cur / 2
	}
	return p
}

// VerifyPath recomputes the root from a leaf hash and its sibling path.
func VerifyPath(leafHash string, proofPath, siblingPositions []string, root string) bool {
	if len(proofPath) != len(siblingPositions) {
		return false
	}
	cur := leafHash
	for i, sibling := range proofPath {
		if siblingPositions[i] == "left" {
			cur = hashPair(sibling, cur)
		} else {
			cur = hashPair(cur, sibling)
		}
	}
	return cur == root
}

// Verify checks proof against the tree's root.
func (t *Tree) Verify(leafHash string, p Proof) bool {
	return VerifyPath(leafHash, p.ProofPath, p.SiblingPositions, t.Root)
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

func paddingHash(lastOriginal string, slot int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-pad-%d", lastOriginal, slot)))
	return hex.EncodeToString(sum[:])
}

func nextPowerOfTwo(n int) int {
	m := 1
	for m < n {
		m *= 2
	}
	return m
}

func intPtr(v int) *int { return &v }
