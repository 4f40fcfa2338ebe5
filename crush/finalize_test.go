package crush

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatMap builds a one-level map: n devices under a single bucket of the
// given alg, all weight 1.0 unless weights is non-nil.
func flatMap(t *testing.T, alg Alg, n int, weights []uint32) *Map {
	t.Helper()
	m := NewMap()
	require.NoError(t, m.SetMaxDevices(int32(n)))
	items := make([]int32, n)
	ws := make([]uint32, n)
	for i := 0; i < n; i++ {
		items[i] = int32(i)
		if weights != nil {
			ws[i] = weights[i]
		} else {
			ws[i] = WeightOne
		}
	}
	require.NoError(t, m.SetTypeName(1, "root"))
	require.NoError(t, m.AddBucket(&Bucket{ID: -1, TypeID: 1, Alg: alg, Items: items, Weights: ws}))
	return m
}

func TestFinalize_SummedWeight(t *testing.T) {
	// GIVEN a bucket with weights 1.0, 2.0, 0.5
	m := flatMap(t, AlgStraw, 3, []uint32{WeightOne, 2 * WeightOne, WeightOne / 2})

	// WHEN the map is finalized
	require.NoError(t, m.Finalize())

	// THEN the cached summed weight is the fixed-point sum of the children
	assert.Equal(t, uint32(3*WeightOne+WeightOne/2), m.Bucket(-1).Weight)
}

func TestFinalize_WeightMismatchRejected(t *testing.T) {
	m := flatMap(t, AlgStraw, 2, nil)
	m.Bucket(-1).Weight++ // tamper with the cache

	err := m.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summed weight")
}

func TestFinalize_TreeNodes(t *testing.T) {
	// GIVEN a tree bucket with 3 items of weights 1, 2, 3
	m := flatMap(t, AlgTree, 3, []uint32{1 * WeightOne, 2 * WeightOne, 3 * WeightOne})
	require.NoError(t, m.Finalize())

	// THEN the node array has 2*nextPow2(3)-1 = 7 nodes, leaves last
	tail, ok := m.Bucket(-1).Tail.(TreeTail)
	require.True(t, ok)
	require.Len(t, tail.Nodes, 7)
	assert.Equal(t, []uint32{
		6 * WeightOne,              // root
		3 * WeightOne, 3 * WeightOne, // internal
		1 * WeightOne, 2 * WeightOne, 3 * WeightOne, 0, // leaves
	}, tail.Nodes)
}

func TestFinalize_StrawLengths(t *testing.T) {
	// GIVEN a straw bucket with weights 0, 1, 1, 2
	m := flatMap(t, AlgStraw, 4, []uint32{0, WeightOne, WeightOne, 2 * WeightOne})
	require.NoError(t, m.Finalize())

	tail, ok := m.Bucket(-1).Tail.(StrawTail)
	require.True(t, ok)

	// THEN zero weight means zero straw, equal weights share a straw, and
	// heavier items get strictly longer straws
	assert.Equal(t, uint32(0), tail.Straws[0])
	assert.Equal(t, tail.Straws[1], tail.Straws[2])
	assert.Equal(t, uint32(WeightOne), tail.Straws[1])
	assert.Greater(t, tail.Straws[3], tail.Straws[1])
}

func TestFinalize_UniformItemWeight(t *testing.T) {
	m := flatMap(t, AlgUniform, 3, []uint32{2 * WeightOne, 2 * WeightOne, 2 * WeightOne})
	require.NoError(t, m.Finalize())

	tail, ok := m.Bucket(-1).Tail.(UniformTail)
	require.True(t, ok)
	assert.Equal(t, uint32(2*WeightOne), tail.ItemWeight)
}

func TestFinalize_ListSumWeights(t *testing.T) {
	m := flatMap(t, AlgList, 3, []uint32{WeightOne, 2 * WeightOne, 3 * WeightOne})
	require.NoError(t, m.Finalize())

	tail, ok := m.Bucket(-1).Tail.(ListTail)
	require.True(t, ok)
	assert.Equal(t, []uint32{WeightOne, 3 * WeightOne, 6 * WeightOne}, tail.SumWeights)
}

func TestFinalize_LevelViolationRejected(t *testing.T) {
	// GIVEN a level-1 bucket that contains a level-2 bucket
	m := NewMap()
	require.NoError(t, m.SetMaxDevices(1))
	require.NoError(t, m.SetTypeName(1, "host"))
	require.NoError(t, m.SetTypeName(2, "root"))
	require.NoError(t, m.AddBucket(&Bucket{ID: -1, TypeID: 2, Alg: AlgStraw, Items: []int32{0}, Weights: []uint32{WeightOne}}))
	require.NoError(t, m.AddBucket(&Bucket{ID: -2, TypeID: 1, Alg: AlgStraw, Items: []int32{-1}, Weights: []uint32{WeightOne}}))

	err := m.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "level")
}

func TestFinalize_DoubleParentRejected(t *testing.T) {
	// GIVEN two buckets both claiming device 0
	m := NewMap()
	require.NoError(t, m.SetMaxDevices(1))
	require.NoError(t, m.SetTypeName(1, "host"))
	require.NoError(t, m.AddBucket(&Bucket{ID: -1, TypeID: 1, Alg: AlgStraw, Items: []int32{0}, Weights: []uint32{WeightOne}}))
	require.NoError(t, m.AddBucket(&Bucket{ID: -2, TypeID: 1, Alg: AlgStraw, Items: []int32{0}, Weights: []uint32{WeightOne}}))

	err := m.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appears in both")
}

func TestFinalize_DanglingBucketRejected(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.SetTypeName(2, "root"))
	require.NoError(t, m.AddBucket(&Bucket{ID: -1, TypeID: 2, Alg: AlgStraw, Items: []int32{-9}, Weights: []uint32{WeightOne}}))

	err := m.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bucket")
}

func TestFinalize_SealsMutators(t *testing.T) {
	m := flatMap(t, AlgStraw, 2, nil)
	require.NoError(t, m.Finalize())

	assert.Error(t, m.SetMaxDevices(10))
	assert.Error(t, m.SetTypeName(3, "row"))
	assert.Error(t, m.AddBucket(&Bucket{ID: -2, TypeID: 1, Alg: AlgStraw}))
	_, err := m.AddRule(0, RuleReplicated, 1, 10, 1)
	assert.Error(t, err)

	// offloads stay writable: they feed no derived cache
	assert.NoError(t, m.SetOffload(0, 0x4000))
	assert.Equal(t, uint32(0x4000), m.DeviceOffload(0))
}

func TestNextPow2(t *testing.T) {
	for _, tc := range []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {9, 16},
	} {
		assert.Equal(t, tc.want, nextPow2(tc.in), "nextPow2(%d)", tc.in)
	}
}
