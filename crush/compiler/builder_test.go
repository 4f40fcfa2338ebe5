package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crushmap/crushtool/crush"
)

func TestCompile_Minimal(t *testing.T) {
	m, err := Compile("t", minimalSource)
	require.NoError(t, err)

	assert.Equal(t, int32(1), m.MaxDevices())
	id, ok := m.ItemID("osd0")
	require.True(t, ok)
	assert.Equal(t, int32(0), id)
	id, ok = m.ItemID("r")
	require.True(t, ok)
	assert.Equal(t, int32(-1), id)

	b := m.Bucket(-1)
	require.NotNil(t, b)
	assert.Equal(t, crush.AlgStraw, b.Alg)
	assert.Equal(t, []int32{0}, b.Items)
	assert.Equal(t, []uint32{crush.WeightOne}, b.Weights)
	assert.Equal(t, uint32(crush.WeightOne), b.Weight)
	assert.True(t, m.Finalized())
}

func TestCompile_OffloadForms(t *testing.T) {
	// GIVEN the three offload spellings
	src := `device 3 osd3 offload 0.250
device 4 osd4 load 0.750
device 5 osd5 down
type 0 device
type 1 root
root r {
	id -1
	alg straw
	item osd3 weight 1.000
	item osd4 weight 1.000
	item osd5 weight 1.000
}
rule data {
	pool 0
	type replicated
	min_size 1
	max_size 10
	step take r
	step emit
}
`
	m, err := Compile("t", src)
	require.NoError(t, err)

	// THEN each maps to its fixed-point fraction
	assert.Equal(t, uint32(0x4000), m.DeviceOffload(3))
	assert.Equal(t, uint32(0x4000), m.DeviceOffload(4))
	assert.Equal(t, uint32(0x10000), m.DeviceOffload(5))
}

func TestCompile_OffloadOutOfRangeRejected(t *testing.T) {
	_, err := Compile("t", "device 6 osd6 offload 1.5\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal device offload")
}

func TestCompile_PositionCollisionRejected(t *testing.T) {
	src := `device 0 osd0
device 1 osd1
type 0 device
type 1 root
root r {
	id -1
	alg straw
	item osd0 weight 1.000 pos 2
	item osd1 weight 1.000 pos 2
}
`
	_, err := Compile("t", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pos 2, which is occupied")
}

func TestCompile_AutoAssignedBucketID(t *testing.T) {
	// GIVEN buckets -1 and -2, then one without an id
	src := `device 0 osd0
device 1 osd1
device 2 osd2
type 0 device
type 1 host
host a { id -1 alg straw item osd0 weight 1.000 }
host b { id -2 alg straw item osd1 weight 1.000 }
host c { alg straw item osd2 weight 1.000 }
rule r { pool 0 type replicated min_size 1 max_size 10 step take c step emit }
`
	m, err := Compile("t", src)
	require.NoError(t, err)

	// THEN the unassigned bucket takes the most negative unused id
	id, ok := m.ItemID("c")
	require.True(t, ok)
	assert.Equal(t, int32(-3), id)
}

func TestCompile_DuplicateExplicitBucketIDRejected(t *testing.T) {
	src := `device 0 osd0
device 1 osd1
type 0 device
type 1 host
host a { id -3 alg straw item osd0 weight 1.000 }
host b { id -3 alg straw item osd1 weight 1.000 }
`
	_, err := Compile("t", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already assigned")
}

func TestCompile_AutoAssignAvoidsLaterExplicitID(t *testing.T) {
	// The pre-scan reserves explicit ids wherever they appear in the
	// source, so auto-assignment skips an id claimed further down.
	src := `device 0 osd0
device 1 osd1
type 0 device
type 1 host
host a { alg straw item osd0 weight 1.000 }
host b { id -1 alg straw item osd1 weight 1.000 }
rule r { pool 0 type replicated min_size 1 max_size 10 step take a step emit }
`
	m, err := Compile("t", src)
	require.NoError(t, err)
	id, ok := m.ItemID("a")
	require.True(t, ok)
	assert.Equal(t, int32(-2), id)
}

func TestCompile_ForwardReferenceRejected(t *testing.T) {
	// Buckets must be defined after the items they reference.
	src := `device 0 osd0
type 0 device
type 1 host
type 2 root
root top { id -1 alg straw item h weight 1.000 }
host h { id -2 alg straw item osd0 weight 1.000 }
`
	_, err := Compile("t", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'h' in bucket 'top' is not defined")
}

func TestCompile_BucketWeightDefaultsToChildSum(t *testing.T) {
	// GIVEN a host of two 2.0-weight devices referenced without a weight
	src := `device 0 osd0
device 1 osd1
type 0 device
type 1 host
type 2 root
host h { id -1 alg straw item osd0 weight 2.000 item osd1 weight 2.000 }
root top { id -2 alg straw item h }
rule r { pool 0 type replicated min_size 1 max_size 10 step take top step emit }
`
	m, err := Compile("t", src)
	require.NoError(t, err)

	// THEN the parent records the child's summed weight
	assert.Equal(t, []uint32{4 * crush.WeightOne}, m.Bucket(-2).Weights)
}

func TestCompile_DeviceWeightDefaultsToOne(t *testing.T) {
	src := `device 0 osd0
type 0 device
type 1 host
host h { id -1 alg straw item osd0 }
rule r { pool 0 type replicated min_size 1 max_size 10 step take h step emit }
`
	m, err := Compile("t", src)
	require.NoError(t, err)
	assert.Equal(t, []uint32{crush.WeightOne}, m.Bucket(-1).Weights)
}

func TestCompile_UnknownTypeRejected(t *testing.T) {
	_, err := Compile("t", "device 0 osd0\nrack r { id -1 alg straw item osd0 }\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket type 'rack' is not defined")
}

func TestCompile_UnknownAlgRejected(t *testing.T) {
	_, err := Compile("t", "device 0 osd0\ntype 0 device\ntype 1 host\nhost h { id -1 alg pile item osd0 }\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bucket alg 'pile'")
}

func TestCompile_DuplicateNamesRejected(t *testing.T) {
	_, err := Compile("t", "device 0 osd0\ndevice 1 osd0\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined twice")

	_, err = Compile("t", "device 0 osd0\ntype 0 device\ntype 1 host\nhost osd0 { id -1 alg straw item osd0 }\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already defined")
}

func TestCompile_RuleStepTranslation(t *testing.T) {
	// DSL `step chooseleaf firstn 3 type host` becomes
	// CHOOSE_LEAF_FIRSTN(3, level of host).
	src := `device 0 osd0
type 0 device
type 1 host
type 2 root
host h { id -1 alg straw item osd0 weight 1.000 }
root top { id -2 alg straw item h }
rule data {
	pool 0
	type replicated
	min_size 1
	max_size 10
	step take top
	step chooseleaf firstn 3 type host
	step emit
}
`
	m, err := Compile("t", src)
	require.NoError(t, err)

	r := m.Rule(0)
	require.NotNil(t, r)
	require.Len(t, r.Steps, 3)
	assert.Equal(t, crush.Step{Op: crush.OpTake, Arg1: -2}, r.Steps[0])
	assert.Equal(t, crush.Step{Op: crush.OpChooseLeafFirstN, Arg1: 3, Arg2: 1}, r.Steps[1])
	assert.Equal(t, crush.Step{Op: crush.OpEmit}, r.Steps[2])

	name, ok := m.RuleName(0)
	require.True(t, ok)
	assert.Equal(t, "data", name)
}

func TestCompile_RuleUnknownReferencesRejected(t *testing.T) {
	_, err := Compile("t", "rule r { pool 0 type replicated min_size 1 max_size 10 step take nosuch step emit }\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 'nosuch' not defined")

	_, err = Compile("t", `device 0 osd0
type 0 device
type 1 host
host h { id -1 alg straw item osd0 }
rule r { pool 0 type replicated min_size 1 max_size 10 step take h step choose firstn 1 type rack step emit }
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type 'rack' not defined")
}

func TestCompile_RuleShapeEnforced(t *testing.T) {
	// choose before take
	_, err := Compile("t", `device 0 osd0
type 0 device
type 1 host
host h { id -1 alg straw item osd0 }
rule r { pool 0 type replicated min_size 1 max_size 10 step choose firstn 1 type device step emit }
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before any step take")

	// no emit
	_, err = Compile("t", `device 0 osd0
type 0 device
type 1 host
host h { id -1 alg straw item osd0 }
rule r { pool 0 type replicated min_size 1 max_size 10 step take h }
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no step emit")
}

func TestCompile_ImplicitPositionsSkipOccupiedSlots(t *testing.T) {
	// Items without pos fill the lowest free slots around pinned ones.
	src := `device 0 osd0
device 1 osd1
device 2 osd2
type 0 device
type 1 host
host h {
	id -1
	alg tree
	item osd0 pos 1
	item osd1
	item osd2
}
rule r { pool 0 type replicated min_size 1 max_size 10 step take h step emit }
`
	m, err := Compile("t", src)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 0, 2}, m.Bucket(-1).Items)
}

func TestCompile_NegativeDeviceIDRejected(t *testing.T) {
	_, err := Compile("t", "device -1 osd0\n")
	require.Error(t, err)
}
