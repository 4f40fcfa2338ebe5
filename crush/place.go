package crush

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Retry budgets for the selection loops. A descent that keeps colliding or
// landing on offloaded devices gives up after chooseTriesTotal attempts and
// the step emits fewer items than requested.
const (
	chooseTriesTotal = 50
)

// Place evaluates a rule over the finalized map for one input key and
// returns the selected device ids in order. The result is a pure function
// of (map bytes, ruleID, key, replicas).
func Place(m *Map, ruleID int32, key uint32, replicas int32) ([]int32, error) {
	if !m.finalized {
		return nil, fmt.Errorf("crush: place on unfinalized map")
	}
	r := m.Rule(ruleID)
	if r == nil {
		return nil, fmt.Errorf("crush: no rule %d", ruleID)
	}
	if replicas < 1 {
		return nil, fmt.Errorf("crush: replica count %d < 1", replicas)
	}

	var cur []int32
	var out []int32
	for _, step := range r.Steps {
		switch step.Op {
		case OpNoop:

		case OpTake:
			if _, ok := m.itemLevel(step.Arg1); !ok {
				return nil, fmt.Errorf("crush: rule %d takes unknown item %d", ruleID, step.Arg1)
			}
			cur = []int32{step.Arg1}

		case OpChooseFirstN, OpChooseIndep, OpChooseLeafFirstN, OpChooseLeafIndep:
			n := step.Arg1
			if n <= 0 {
				n = replicas + n
			}
			leaf := step.Op == OpChooseLeafFirstN || step.Op == OpChooseLeafIndep
			var next []int32
			for _, node := range cur {
				next = m.chooseN(next, node, n, step.Arg2, leaf, key)
			}
			cur = next

		case OpEmit:
			out = append(out, cur...)
			cur = nil

		default:
			return nil, fmt.Errorf("crush: rule %d has unknown opcode %d", ruleID, uint32(step.Op))
		}
	}
	return out, nil
}

// chooseN selects up to n distinct items of the wanted level under from,
// appending them to acc. With leaf set, each selected item is walked the
// rest of the way down to a device.
func (m *Map) chooseN(acc []int32, from int32, n, wantLevel int32, leaf bool, key uint32) []int32 {
	for rep := int32(0); rep < n; rep++ {
		found := false
		for try := uint32(0); try < chooseTriesTotal; try++ {
			item, ok := m.descend(from, wantLevel, key, rep, try)
			if !ok {
				continue
			}
			if leaf && item < 0 {
				if item, ok = m.descend(item, 0, key, rep, try); !ok {
					continue
				}
			}
			if contains(acc, item) {
				continue
			}
			if item >= 0 && m.rejectOffload(key, item, rep) {
				continue
			}
			acc = append(acc, item)
			found = true
			break
		}
		if !found {
			logrus.Debugf("place: exhausted %d tries under item %d for replica %d", chooseTriesTotal, from, rep)
		}
	}
	return acc
}

// descend walks from an item down to the first node of the wanted level,
// choosing one child per bucket on the way.
func (m *Map) descend(from, wantLevel int32, key uint32, rep int32, try uint32) (int32, bool) {
	cur := from
	for {
		level, ok := m.itemLevel(cur)
		if !ok {
			return 0, false
		}
		if level == wantLevel {
			return cur, true
		}
		if level < wantLevel {
			return 0, false // can't climb
		}
		child, ok := m.bucketChoose(m.Bucket(cur), key, rep, try)
		if !ok {
			return 0, false
		}
		cur = child
	}
}

// rejectOffload rejects a device with probability offload/0x10000.
func (m *Map) rejectOffload(key uint32, device int32, rep int32) bool {
	off := m.DeviceOffload(device)
	if off == 0 {
		return false
	}
	return draw(key, device, rep, 0xffffffff)%WeightOne < off
}

// bucketChoose picks one child of a bucket per its algorithm. A false
// return means the draw landed on a hole (or the bucket is empty) and the
// caller should retry with a bumped try counter.
func (m *Map) bucketChoose(b *Bucket, key uint32, rep int32, try uint32) (int32, bool) {
	size := b.Size()
	if size == 0 || b.Weight == 0 {
		return 0, false
	}
	switch tail := b.Tail.(type) {
	case UniformTail:
		i := draw(key, b.ID, rep, try) % uint32(size)
		if b.Weights[i] == 0 {
			return 0, false
		}
		return b.Items[i], true

	case ListTail:
		// Newest to oldest: accept position i with probability
		// weight[i] / sum(weights[0..i]).
		for i := size - 1; i >= 0; i-- {
			sum := tail.SumWeights[i]
			if sum == 0 {
				return 0, false
			}
			w := uint64(draw16(key, b.Items[i], rep, try))
			if w*uint64(sum)>>16 < uint64(b.Weights[i]) {
				return b.Items[i], true
			}
		}
		return 0, false

	case TreeTail:
		p := (len(tail.Nodes) + 1) / 2
		node := 0
		for node < p-1 {
			if tail.Nodes[node] == 0 {
				return 0, false
			}
			left, right := 2*node+1, 2*node+2
			v := draw(key, b.ID, rep, try<<16|uint32(node)) % tail.Nodes[node]
			if v < tail.Nodes[left] {
				node = left
			} else {
				node = right
			}
		}
		i := node - (p - 1)
		if i >= size || b.Weights[i] == 0 {
			return 0, false
		}
		return b.Items[i], true

	case StrawTail:
		best := -1
		var bestDraw uint64
		for i := 0; i < size; i++ {
			if tail.Straws[i] == 0 {
				continue
			}
			d := uint64(draw16(key, b.Items[i], rep, try)) * uint64(tail.Straws[i]) >> 16
			if best < 0 || d > bestDraw {
				best = i
				bestDraw = d
			}
		}
		if best < 0 {
			return 0, false
		}
		return b.Items[best], true
	}
	return 0, false
}

func contains(items []int32, item int32) bool {
	for _, v := range items {
		if v == item {
			return true
		}
	}
	return false
}
