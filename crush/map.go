package crush

import (
	"fmt"
	"sort"
)

// Map owns the whole placement hierarchy: devices, buckets, types, rules,
// and the name tables tying them together. It is built through the mutators
// below, sealed by Finalize, and thereafter read-only except for device
// offloads (SetOffload).
type Map struct {
	offloads []uint32  // indexed by device id; len == max devices
	buckets  []*Bucket // indexed by bucketSlot(id); nil slots are empty
	rules    []*Rule

	typeNames map[int32]string
	typeIDs   map[string]int32
	itemNames map[int32]string
	itemIDs   map[string]int32
	ruleNames map[int32]string
	ruleIDs   map[string]int32

	finalized bool
}

// NewMap returns an empty, unsealed Map.
func NewMap() *Map {
	return &Map{
		typeNames: make(map[int32]string),
		typeIDs:   make(map[string]int32),
		itemNames: make(map[int32]string),
		itemIDs:   make(map[string]int32),
		ruleNames: make(map[int32]string),
		ruleIDs:   make(map[string]int32),
	}
}

func (m *Map) mutable(op string) error {
	if m.finalized {
		return fmt.Errorf("%s: map is finalized", op)
	}
	return nil
}

// MaxDevices returns the device id capacity (highest id + 1).
func (m *Map) MaxDevices() int32 {
	return int32(len(m.offloads))
}

// SetMaxDevices grows (or shrinks) the device id space.
func (m *Map) SetMaxDevices(n int32) error {
	if err := m.mutable("SetMaxDevices"); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("SetMaxDevices: negative capacity %d", n)
	}
	next := make([]uint32, n)
	copy(next, m.offloads)
	m.offloads = next
	return nil
}

// DeviceOffload returns the fixed-point offload fraction of a device, 0 if
// unset or out of range.
func (m *Map) DeviceOffload(id int32) uint32 {
	if id < 0 || id >= m.MaxDevices() {
		return 0
	}
	return m.offloads[id]
}

// SetOffload records a device's offload fraction. Legal after Finalize:
// offloads do not participate in any derived cache.
func (m *Map) SetOffload(id int32, offload uint32) error {
	if id < 0 || id >= m.MaxDevices() {
		return fmt.Errorf("SetOffload: device %d out of range [0,%d)", id, m.MaxDevices())
	}
	if offload > WeightOne {
		return fmt.Errorf("SetOffload: offload %#x exceeds %#x", offload, uint32(WeightOne))
	}
	m.offloads[id] = offload
	return nil
}

// MaxBuckets returns the bucket slot capacity.
func (m *Map) MaxBuckets() int32 {
	return int32(len(m.buckets))
}

// BucketExists reports whether a bucket with the given (negative) id exists.
func (m *Map) BucketExists(id int32) bool {
	return m.Bucket(id) != nil
}

// Bucket returns the bucket with the given id, or nil.
func (m *Map) Bucket(id int32) *Bucket {
	if id >= 0 {
		return nil
	}
	slot := bucketSlot(id)
	if slot >= m.MaxBuckets() {
		return nil
	}
	return m.buckets[slot]
}

// AddBucket inserts a bucket at the slot derived from its id. Items and
// Weights must already be parallel; the cached summed weight is computed
// here and re-checked by Finalize.
func (m *Map) AddBucket(b *Bucket) error {
	if err := m.mutable("AddBucket"); err != nil {
		return err
	}
	if b.ID >= 0 {
		return fmt.Errorf("AddBucket: bucket id %d is not negative", b.ID)
	}
	if len(b.Items) != len(b.Weights) {
		return fmt.Errorf("AddBucket: bucket %d has %d items but %d weights", b.ID, len(b.Items), len(b.Weights))
	}
	if b.TypeID <= 0 {
		return fmt.Errorf("AddBucket: bucket %d has non-positive type level %d", b.ID, b.TypeID)
	}
	switch b.Alg {
	case AlgUniform, AlgList, AlgTree, AlgStraw:
	default:
		return fmt.Errorf("AddBucket: bucket %d has unknown alg %d", b.ID, uint32(b.Alg))
	}
	slot := bucketSlot(b.ID)
	if slot >= m.MaxBuckets() {
		next := make([]*Bucket, slot+1)
		copy(next, m.buckets)
		m.buckets = next
	}
	if m.buckets[slot] != nil {
		return fmt.Errorf("AddBucket: bucket id %d already in use", b.ID)
	}
	sum, err := sumWeights(b.Weights)
	if err != nil {
		return fmt.Errorf("AddBucket: bucket %d: %w", b.ID, err)
	}
	b.Weight = sum
	m.buckets[slot] = b
	return nil
}

// MaxRules returns the number of rules.
func (m *Map) MaxRules() int32 {
	return int32(len(m.rules))
}

// Rule returns the rule with the given id, or nil.
func (m *Map) Rule(id int32) *Rule {
	if id < 0 || id >= m.MaxRules() {
		return nil
	}
	return m.rules[id]
}

// AddRule appends a rule with numSteps NOOP steps and returns its id. The
// steps are filled in afterwards via SetRuleStep*.
func (m *Map) AddRule(pool int32, typ RuleType, minSize, maxSize uint32, numSteps int) (int32, error) {
	if err := m.mutable("AddRule"); err != nil {
		return 0, err
	}
	if numSteps < 0 {
		return 0, fmt.Errorf("AddRule: negative step count %d", numSteps)
	}
	r := &Rule{
		Pool:    pool,
		Type:    typ,
		MinSize: minSize,
		MaxSize: maxSize,
		Steps:   make([]Step, numSteps),
	}
	m.rules = append(m.rules, r)
	return int32(len(m.rules) - 1), nil
}

func (m *Map) setRuleStep(rule int32, step int, s Step) error {
	if err := m.mutable("SetRuleStep"); err != nil {
		return err
	}
	r := m.Rule(rule)
	if r == nil {
		return fmt.Errorf("SetRuleStep: no rule %d", rule)
	}
	if step < 0 || step >= len(r.Steps) {
		return fmt.Errorf("SetRuleStep: rule %d step %d out of range [0,%d)", rule, step, len(r.Steps))
	}
	r.Steps[step] = s
	return nil
}

// SetRuleStepTake sets step to TAKE(item).
func (m *Map) SetRuleStepTake(rule int32, step int, item int32) error {
	return m.setRuleStep(rule, step, Step{Op: OpTake, Arg1: item})
}

// SetRuleStepChooseFirstN sets step to CHOOSE_FIRSTN(n, typeLevel).
func (m *Map) SetRuleStepChooseFirstN(rule int32, step int, n, typeLevel int32) error {
	return m.setRuleStep(rule, step, Step{Op: OpChooseFirstN, Arg1: n, Arg2: typeLevel})
}

// SetRuleStepChooseIndep sets step to CHOOSE_INDEP(n, typeLevel).
func (m *Map) SetRuleStepChooseIndep(rule int32, step int, n, typeLevel int32) error {
	return m.setRuleStep(rule, step, Step{Op: OpChooseIndep, Arg1: n, Arg2: typeLevel})
}

// SetRuleStepChooseLeafFirstN sets step to CHOOSE_LEAF_FIRSTN(n, typeLevel).
func (m *Map) SetRuleStepChooseLeafFirstN(rule int32, step int, n, typeLevel int32) error {
	return m.setRuleStep(rule, step, Step{Op: OpChooseLeafFirstN, Arg1: n, Arg2: typeLevel})
}

// SetRuleStepChooseLeafIndep sets step to CHOOSE_LEAF_INDEP(n, typeLevel).
func (m *Map) SetRuleStepChooseLeafIndep(rule int32, step int, n, typeLevel int32) error {
	return m.setRuleStep(rule, step, Step{Op: OpChooseLeafIndep, Arg1: n, Arg2: typeLevel})
}

// SetRuleStepEmit sets step to EMIT.
func (m *Map) SetRuleStepEmit(rule int32, step int) error {
	return m.setRuleStep(rule, step, Step{Op: OpEmit})
}

// SetTypeName registers a hierarchy level name. Level names are unique in
// both directions.
func (m *Map) SetTypeName(level int32, name string) error {
	if err := m.mutable("SetTypeName"); err != nil {
		return err
	}
	if prev, ok := m.typeIDs[name]; ok && prev != level {
		return fmt.Errorf("SetTypeName: type name %q already bound to level %d", name, prev)
	}
	if prev, ok := m.typeNames[level]; ok && prev != name {
		return fmt.Errorf("SetTypeName: type level %d already named %q", level, prev)
	}
	m.typeNames[level] = name
	m.typeIDs[name] = level
	return nil
}

// TypeName returns the name of a hierarchy level.
func (m *Map) TypeName(level int32) (string, bool) {
	name, ok := m.typeNames[level]
	return name, ok
}

// TypeID returns the level of a named type.
func (m *Map) TypeID(name string) (int32, bool) {
	level, ok := m.typeIDs[name]
	return level, ok
}

// TypeLevels returns all named levels in ascending order.
func (m *Map) TypeLevels() []int32 {
	return sortedKeys(m.typeNames)
}

// SetItemName names a device (id >= 0) or bucket (id < 0). Item names are
// unique across both.
func (m *Map) SetItemName(id int32, name string) error {
	if err := m.mutable("SetItemName"); err != nil {
		return err
	}
	if prev, ok := m.itemIDs[name]; ok && prev != id {
		return fmt.Errorf("SetItemName: item name %q already bound to id %d", name, prev)
	}
	if prev, ok := m.itemNames[id]; ok && prev != name {
		return fmt.Errorf("SetItemName: item %d already named %q", id, prev)
	}
	m.itemNames[id] = name
	m.itemIDs[name] = id
	return nil
}

// ItemName returns the name of a device or bucket.
func (m *Map) ItemName(id int32) (string, bool) {
	name, ok := m.itemNames[id]
	return name, ok
}

// ItemID returns the id bound to a device or bucket name.
func (m *Map) ItemID(name string) (int32, bool) {
	id, ok := m.itemIDs[name]
	return id, ok
}

// ItemIDs returns every named item id in ascending order.
func (m *Map) ItemIDs() []int32 {
	return sortedKeys(m.itemNames)
}

// SetRuleName names a rule. Rule names are unique.
func (m *Map) SetRuleName(rule int32, name string) error {
	if err := m.mutable("SetRuleName"); err != nil {
		return err
	}
	if m.Rule(rule) == nil {
		return fmt.Errorf("SetRuleName: no rule %d", rule)
	}
	if prev, ok := m.ruleIDs[name]; ok && prev != rule {
		return fmt.Errorf("SetRuleName: rule name %q already bound to rule %d", name, prev)
	}
	if prev, ok := m.ruleNames[rule]; ok && prev != name {
		return fmt.Errorf("SetRuleName: rule %d already named %q", rule, prev)
	}
	m.ruleNames[rule] = name
	m.ruleIDs[name] = rule
	return nil
}

// RuleName returns the name of a rule.
func (m *Map) RuleName(rule int32) (string, bool) {
	name, ok := m.ruleNames[rule]
	return name, ok
}

// RuleID returns the id of a named rule.
func (m *Map) RuleID(name string) (int32, bool) {
	id, ok := m.ruleIDs[name]
	return id, ok
}

// ruleNameIDs returns every named rule id in ascending order.
func (m *Map) ruleNameIDs() []int32 {
	return sortedKeys(m.ruleNames)
}

// Finalized reports whether the map has been sealed.
func (m *Map) Finalized() bool {
	return m.finalized
}

// itemLevel returns the hierarchy level of an item: 0 for devices, the
// bucket's type level otherwise. ok is false for a dangling bucket id.
func (m *Map) itemLevel(id int32) (int32, bool) {
	if id >= 0 {
		return 0, true
	}
	b := m.Bucket(id)
	if b == nil {
		return 0, false
	}
	return b.TypeID, true
}

func sortedKeys(t map[int32]string) []int32 {
	keys := make([]int32, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
