package crush

import "fmt"

// Alg selects how a bucket chooses among its children.
type Alg uint32

const (
	AlgUniform Alg = 1
	AlgList    Alg = 2
	AlgTree    Alg = 3
	AlgStraw   Alg = 4
)

// String returns the algorithm keyword used by the text format.
func (a Alg) String() string {
	switch a {
	case AlgUniform:
		return "uniform"
	case AlgList:
		return "list"
	case AlgTree:
		return "tree"
	case AlgStraw:
		return "straw"
	}
	return fmt.Sprintf("alg%d", uint32(a))
}

// AlgFromName maps a text-format keyword to its Alg.
func AlgFromName(s string) (Alg, bool) {
	switch s {
	case "uniform":
		return AlgUniform, true
	case "list":
		return AlgList, true
	case "tree":
		return AlgTree, true
	case "straw":
		return AlgStraw, true
	}
	return 0, false
}

// Bucket is an interior node of the placement hierarchy. Items and Weights
// are parallel, position-indexed vectors; a zero-weight slot is a hole left
// by an explicit-pos layout. Tail carries the algorithm-specific derived
// state and is populated by Finalize (or by Decode, which reads it off the
// wire).
type Bucket struct {
	ID      int32
	TypeID  int32
	Alg     Alg
	Weight  uint32 // summed child weight, fixed point
	Items   []int32
	Weights []uint32
	Tail    BucketTail
}

// BucketTail is the algorithm-specific trailing state of a bucket body.
// Exactly one implementation exists per Alg, so codec and kernel switches
// exhaust cases structurally.
type BucketTail interface {
	alg() Alg
}

// UniformTail holds the single shared item weight of a UNIFORM bucket.
type UniformTail struct {
	ItemWeight uint32
}

// ListTail holds per-position cumulative weights: SumWeights[i] is the sum
// of Weights[0..i].
type ListTail struct {
	SumWeights []uint32
}

// TreeTail holds the implicit complete binary tree over the bucket's
// items: 2*nextPow2(size)-1 nodes in segment-tree layout, leaves last,
// each internal node the weight of its subtree.
type TreeTail struct {
	Nodes []uint32
}

// StrawTail holds the precomputed per-item straw lengths.
type StrawTail struct {
	Straws []uint32
}

func (UniformTail) alg() Alg { return AlgUniform }
func (ListTail) alg() Alg    { return AlgList }
func (TreeTail) alg() Alg    { return AlgTree }
func (StrawTail) alg() Alg   { return AlgStraw }

// Size returns the number of item slots, holes included.
func (b *Bucket) Size() int {
	return len(b.Items)
}

// bucketSlot packs a negative bucket id into a dense array index.
func bucketSlot(id int32) int32 {
	return -1 - id
}

// slotID is the inverse of bucketSlot.
func slotID(slot int32) int32 {
	return -1 - slot
}
