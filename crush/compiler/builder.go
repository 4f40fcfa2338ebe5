package compiler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/crushmap/crushtool/crush"
)

// Compile parses src and builds the finalized map it describes. file is
// used only in diagnostics.
func Compile(file, src string) (*crush.Map, error) {
	nodes, err := parseProgram(file, src)
	if err != nil {
		return nil, err
	}
	ctx := newCompileContext()
	return ctx.build(nodes)
}

// build runs the two semantic passes: a pre-scan reserving every explicitly
// assigned bucket id (so auto-assignment avoids them), then the walk over
// top-level constructs in source order.
func (ctx *CompileContext) build(nodes []Node) (*crush.Map, error) {
	for _, n := range nodes {
		if b, ok := n.(*BucketNode); ok && b.ID != 0 {
			if _, taken := ctx.idItem[b.ID]; !taken {
				ctx.idItem[b.ID] = ""
			}
		}
	}

	for _, n := range nodes {
		var err error
		switch n := n.(type) {
		case *DeviceNode:
			err = ctx.buildDevice(n)
		case *TypeNode:
			err = ctx.buildType(n)
		case *BucketNode:
			err = ctx.buildBucket(n)
		case *RuleNode:
			err = ctx.buildRule(n)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := ctx.m.Finalize(); err != nil {
		return nil, err
	}
	for id := int32(0); id < ctx.m.MaxDevices(); id++ {
		if off, ok := ctx.deviceOffload[id]; ok {
			if err := ctx.m.SetOffload(id, off); err != nil {
				return nil, err
			}
		}
	}
	return ctx.m, nil
}

func (ctx *CompileContext) buildDevice(n *DeviceNode) error {
	if n.ID < 0 {
		return fmt.Errorf("device '%s' has negative id %d", n.Name, n.ID)
	}
	if _, dup := ctx.itemID[n.Name]; dup {
		return fmt.Errorf("item %s defined twice", n.Name)
	}
	if err := ctx.m.SetItemName(n.ID, n.Name); err != nil {
		return err
	}
	ctx.itemID[n.Name] = n.ID
	ctx.idItem[n.ID] = n.Name

	logrus.Debugf("device %d %s", n.ID, n.Name)

	if n.OffloadTag != "" {
		var offload float64
		switch n.OffloadTag {
		case "offload":
			offload = n.OffloadVal
		case "load":
			offload = 1.0 - n.OffloadVal
		case "down":
			offload = 1.0
		}
		if offload < 0 || offload > 1.0 {
			return fmt.Errorf("illegal device offload %g on device %d %s (valid range is [0,1])", offload, n.ID, n.Name)
		}
		ctx.deviceOffload[n.ID] = uint32(offload * crush.WeightOne)
	}

	if n.ID >= ctx.m.MaxDevices() {
		if err := ctx.m.SetMaxDevices(n.ID + 1); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *CompileContext) buildType(n *TypeNode) error {
	if _, dup := ctx.typeID[n.Name]; dup {
		return fmt.Errorf("type '%s' defined twice", n.Name)
	}
	logrus.Debugf("type %d %s", n.Level, n.Name)
	ctx.typeID[n.Name] = n.Level
	return ctx.m.SetTypeName(n.Level, n.Name)
}

func (ctx *CompileContext) buildBucket(n *BucketNode) error {
	typeLevel, ok := ctx.typeID[n.TypeName]
	if !ok {
		return fmt.Errorf("bucket type '%s' is not defined", n.TypeName)
	}
	if typeLevel <= 0 {
		return fmt.Errorf("bucket '%s' has device-level type '%s'", n.Name, n.TypeName)
	}
	if _, dup := ctx.itemID[n.Name]; dup {
		return fmt.Errorf("bucket or device '%s' is already defined", n.Name)
	}
	alg, ok := crush.AlgFromName(n.AlgName)
	if !ok {
		return fmt.Errorf("unknown bucket alg '%s'", n.AlgName)
	}

	// First pass over items: explicit positions only, to find collisions
	// and the slot-vector length.
	usedPos := make(map[int32]bool)
	size := int32(len(n.Items))
	for _, item := range n.Items {
		if !item.HasPos {
			continue
		}
		if item.Pos < 0 {
			return fmt.Errorf("item '%s' in bucket '%s' has negative pos %d", item.Name, n.Name, item.Pos)
		}
		if usedPos[item.Pos] {
			return fmt.Errorf("item '%s' in bucket '%s' has explicit pos %d, which is occupied", item.Name, n.Name, item.Pos)
		}
		usedPos[item.Pos] = true
		if item.Pos+1 > size {
			size = item.Pos + 1
		}
	}

	items := make([]int32, size)
	weights := make([]uint32, size)

	// Second pass: resolve names and weights, fill slots. The implicit
	// cursor never rewinds; it walks forward past occupied slots so
	// user-specified positions stay put.
	var curpos int32
	var bucketWeight float64
	for _, item := range n.Items {
		itemID, ok := ctx.itemID[item.Name]
		if !ok {
			return fmt.Errorf("item '%s' in bucket '%s' is not defined", item.Name, n.Name)
		}

		weight := 1.0
		if w, ok := ctx.itemWeight[itemID]; ok {
			weight = w
		}
		if item.HasWeight {
			weight = item.Weight
		}

		pos := int32(-1)
		if item.HasPos {
			pos = item.Pos
		} else {
			for usedPos[curpos] {
				curpos++
			}
			pos = curpos
			curpos++
		}
		items[pos] = itemID
		weights[pos] = crush.FixedFromFloat(weight)
		bucketWeight += weight
	}

	// Normalize holes: a zero-weight slot always stores item 0, whether it
	// was never filled or filled with an explicit zero weight. The kernel
	// skips such slots either way, and the decompiler drops them, so a
	// decompiled map recompiles to identical bytes.
	for pos := range items {
		if weights[pos] == 0 {
			items[pos] = 0
		}
	}

	id := n.ID
	if id == 0 {
		for id = -1; ; id-- {
			if _, taken := ctx.idItem[id]; !taken {
				break
			}
		}
	} else if name := ctx.idItem[id]; name != "" {
		return fmt.Errorf("bucket id %d for '%s' is already assigned to '%s'", id, n.Name, name)
	}

	logrus.Debugf("bucket %s (%d) %d items and weight %g", n.Name, id, size, bucketWeight)
	ctx.idItem[id] = n.Name
	ctx.itemID[n.Name] = id
	ctx.itemWeight[id] = bucketWeight

	if err := ctx.m.AddBucket(&crush.Bucket{
		ID:      id,
		TypeID:  typeLevel,
		Alg:     alg,
		Items:   items,
		Weights: weights,
	}); err != nil {
		return err
	}
	return ctx.m.SetItemName(id, n.Name)
}

func (ctx *CompileContext) buildRule(n *RuleNode) error {
	if n.Name != "" {
		if _, dup := ctx.ruleID[n.Name]; dup {
			return fmt.Errorf("rule name '%s' already defined", n.Name)
		}
	}

	var ruleType crush.RuleType
	switch n.TypeName {
	case "replicated":
		ruleType = crush.RuleReplicated
	case "raid4":
		ruleType = crush.RuleRAID4
	default:
		return fmt.Errorf("unknown rule type '%s'", n.TypeName)
	}

	if err := checkStepOrder(n); err != nil {
		return err
	}

	ruleno, err := ctx.m.AddRule(n.Pool, ruleType, n.MinSize, n.MaxSize, len(n.Steps))
	if err != nil {
		return err
	}
	if n.Name != "" {
		if err := ctx.m.SetRuleName(ruleno, n.Name); err != nil {
			return err
		}
		ctx.ruleID[n.Name] = ruleno
	}
	logrus.Debugf("rule %s (%d) %d steps", n.Name, ruleno, len(n.Steps))

	for i, s := range n.Steps {
		switch s.Kind {
		case StepTake:
			itemID, ok := ctx.itemID[s.Item]
			if !ok {
				return fmt.Errorf("in rule '%s' item '%s' not defined", n.Name, s.Item)
			}
			err = ctx.m.SetRuleStepTake(ruleno, i, itemID)
		case StepChoose, StepChooseLeaf:
			typeLevel, ok := ctx.typeID[s.TypeName]
			if !ok {
				return fmt.Errorf("in rule '%s' type '%s' not defined", n.Name, s.TypeName)
			}
			switch {
			case s.Kind == StepChoose && s.Mode == "firstn":
				err = ctx.m.SetRuleStepChooseFirstN(ruleno, i, s.N, typeLevel)
			case s.Kind == StepChoose && s.Mode == "indep":
				err = ctx.m.SetRuleStepChooseIndep(ruleno, i, s.N, typeLevel)
			case s.Kind == StepChooseLeaf && s.Mode == "firstn":
				err = ctx.m.SetRuleStepChooseLeafFirstN(ruleno, i, s.N, typeLevel)
			default:
				err = ctx.m.SetRuleStepChooseLeafIndep(ruleno, i, s.N, typeLevel)
			}
		case StepEmit:
			err = ctx.m.SetRuleStepEmit(ruleno, i)
		case StepNoop:
			// steps default to NOOP
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkStepOrder enforces the rule program shape: a TAKE before any
// CHOOSE, and at least one EMIT.
func checkStepOrder(n *RuleNode) error {
	taken := false
	emitted := false
	for _, s := range n.Steps {
		switch s.Kind {
		case StepTake:
			taken = true
		case StepChoose, StepChooseLeaf:
			if !taken {
				return fmt.Errorf("in rule '%s' step choose before any step take", n.Name)
			}
		case StepEmit:
			emitted = true
			taken = false
		}
	}
	if !emitted {
		return fmt.Errorf("rule '%s' has no step emit", n.Name)
	}
	return nil
}
