package crush

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// Finalize seals the map: it re-checks the structural invariants, recomputes
// every bucket's summed weight, and builds the algorithm-specific derived
// state (tree node arrays, straw lengths). After Finalize only SetOffload
// may mutate the map.
func (m *Map) Finalize() error {
	if m.finalized {
		return fmt.Errorf("Finalize: map already finalized")
	}

	parent := make(map[int32]int32)
	for slot := int32(0); slot < m.MaxBuckets(); slot++ {
		b := m.buckets[slot]
		if b == nil {
			continue
		}
		if b.ID != slotID(slot) {
			return fmt.Errorf("Finalize: bucket id %d stored in slot %d", b.ID, slot)
		}

		sum, err := sumWeights(b.Weights)
		if err != nil {
			return fmt.Errorf("Finalize: bucket %d: %w", b.ID, err)
		}
		if sum != b.Weight {
			return fmt.Errorf("Finalize: bucket %d summed weight %#x does not match cached %#x", b.ID, sum, b.Weight)
		}

		for pos, item := range b.Items {
			if b.Weights[pos] == 0 {
				continue // hole
			}
			level, ok := m.itemLevel(item)
			if !ok {
				return fmt.Errorf("Finalize: bucket %d references unknown bucket %d", b.ID, item)
			}
			if item >= 0 && item >= m.MaxDevices() {
				return fmt.Errorf("Finalize: bucket %d references device %d beyond max %d", b.ID, item, m.MaxDevices())
			}
			if level >= b.TypeID {
				return fmt.Errorf("Finalize: bucket %d (level %d) contains item %d of level %d", b.ID, b.TypeID, item, level)
			}
			if prev, ok := parent[item]; ok {
				return fmt.Errorf("Finalize: item %d appears in both bucket %d and bucket %d", item, prev, b.ID)
			}
			parent[item] = b.ID
		}

		switch b.Alg {
		case AlgUniform:
			b.Tail = uniformTail(b)
		case AlgList:
			b.Tail = listTail(b)
		case AlgTree:
			b.Tail = treeTail(b)
		case AlgStraw:
			b.Tail = strawTail(b)
		}
		logrus.Debugf("finalize: bucket %d alg %s size %d weight %s", b.ID, b.Alg, b.Size(), FixedString(b.Weight))
	}

	m.finalized = true
	return nil
}

// sumWeights adds fixed-point weights in 64 bits and rejects sums that do
// not fit the 32-bit wire field.
func sumWeights(weights []uint32) (uint32, error) {
	var sum uint64
	for _, w := range weights {
		sum += uint64(w)
	}
	if sum > math.MaxUint32 {
		return 0, fmt.Errorf("summed weight %#x overflows 32 bits", sum)
	}
	return uint32(sum), nil
}

func uniformTail(b *Bucket) UniformTail {
	// All children of a uniform bucket share one weight; the first
	// non-hole slot is authoritative.
	for _, w := range b.Weights {
		if w != 0 {
			return UniformTail{ItemWeight: w}
		}
	}
	return UniformTail{}
}

func listTail(b *Bucket) ListTail {
	sums := make([]uint32, b.Size())
	var run uint64
	for i, w := range b.Weights {
		run += uint64(w)
		sums[i] = uint32(run)
	}
	return ListTail{SumWeights: sums}
}

// nextPow2 returns the smallest power of two >= n, minimum 1.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func treeTail(b *Bucket) TreeTail {
	p := nextPow2(b.Size())
	nodes := make([]uint32, 2*p-1)
	for i, w := range b.Weights {
		nodes[p-1+i] = w
	}
	for i := p - 2; i >= 0; i-- {
		nodes[i] = nodes[2*i+1] + nodes[2*i+2]
	}
	return TreeTail{Nodes: nodes}
}

// strawTail computes per-item straw lengths. Items are visited in
// ascending weight order; each distinct weight class stretches the straw
// by (1/pbelow)^(1/numleft) so that expected win probability tracks
// weight. Zero-weight items draw straws of length zero.
func strawTail(b *Bucket) StrawTail {
	size := b.Size()
	straws := make([]uint32, size)

	order := make([]int, size)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return b.Weights[order[i]] < b.Weights[order[j]]
	})

	numLeft := size
	straw := 1.0
	wBelow := 0.0
	lastW := 0.0

	i := 0
	for i < size {
		if b.Weights[order[i]] == 0 {
			straws[order[i]] = 0
			i++
			numLeft--
			continue
		}

		straws[order[i]] = uint32(straw * WeightOne)
		i++
		if i == size {
			break
		}
		if b.Weights[order[i]] == b.Weights[order[i-1]] {
			continue
		}

		wBelow += (float64(b.Weights[order[i-1]]) - lastW) * float64(numLeft)
		for j := i; j < size; j++ {
			if b.Weights[order[j]] == b.Weights[order[i]] {
				numLeft--
			} else {
				break
			}
		}
		wNext := float64(numLeft) * float64(b.Weights[order[i]]-b.Weights[order[i-1]])
		pBelow := wBelow / (wBelow + wNext)

		straw *= math.Pow(1.0/pBelow, 1.0/float64(numLeft))
		lastW = float64(b.Weights[order[i-1]])
	}

	return StrawTail{Straws: straws}
}
