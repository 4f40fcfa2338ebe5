package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crushmap/crushtool/crush"
)

// Decompile renders a map back to its text form. The output recompiles to
// a byte-identical binary for any map this package's Compile produced:
// explicit ids, algorithm-significant positions, non-zero offloads, and
// rule names all survive the trip.
func Decompile(m *crush.Map) (string, error) {
	if !m.Finalized() {
		return "", fmt.Errorf("decompile of unfinalized map")
	}
	var out strings.Builder
	out.WriteString("# begin crush map\n\n")

	writeDevices(&out, m)
	writeTypes(&out, m)
	if err := writeBuckets(&out, m); err != nil {
		return "", err
	}
	writeRules(&out, m)

	out.WriteString("\n# end crush map\n")
	return out.String(), nil
}

// itemName falls back to a synthesized name for items a foreign binary
// left unnamed.
func itemName(m *crush.Map, id int32) string {
	if name, ok := m.ItemName(id); ok {
		return name
	}
	if id >= 0 {
		return fmt.Sprintf("device%d", id)
	}
	return fmt.Sprintf("bucket%d", -1-id)
}

func typeName(m *crush.Map, level int32) string {
	if name, ok := m.TypeName(level); ok {
		return name
	}
	if level == 0 {
		return "device"
	}
	return fmt.Sprintf("type%d", level)
}

func writeDevices(out *strings.Builder, m *crush.Map) {
	out.WriteString("# devices\n")
	for id := int32(0); id < m.MaxDevices(); id++ {
		_, named := m.ItemName(id)
		offload := m.DeviceOffload(id)
		if !named && offload == 0 {
			// A nameless, unoffloaded slot is a hole in the id space, not
			// a device; emitting it would grow the name table on
			// recompile.
			continue
		}
		fmt.Fprintf(out, "device %d %s", id, itemName(m, id))
		if offload != 0 {
			fmt.Fprintf(out, " offload %s", crush.FixedString(offload))
		}
		out.WriteString("\n")
	}
}

// referencedTypeLevels collects every level the map names or references, so
// foreign binaries with unnamed levels still decompile to compilable text.
func referencedTypeLevels(m *crush.Map) []int32 {
	seen := make(map[int32]bool)
	for _, level := range m.TypeLevels() {
		seen[level] = true
	}
	for slot := int32(0); slot < m.MaxBuckets(); slot++ {
		b := m.Bucket(-1 - slot)
		if b != nil {
			seen[b.TypeID] = true
		}
	}
	for i := int32(0); i < m.MaxRules(); i++ {
		for _, s := range m.Rule(i).Steps {
			switch s.Op {
			case crush.OpChooseFirstN, crush.OpChooseIndep, crush.OpChooseLeafFirstN, crush.OpChooseLeafIndep:
				seen[s.Arg2] = true
			}
		}
	}
	levels := make([]int32, 0, len(seen))
	for level := range seen {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

func writeTypes(out *strings.Builder, m *crush.Map) {
	out.WriteString("\n# types\n")
	for _, level := range referencedTypeLevels(m) {
		fmt.Fprintf(out, "type %d %s\n", level, typeName(m, level))
	}
}

// writeBuckets emits buckets in ascending type level (children before
// parents, so item references resolve on recompile) and within a level most
// negative id first.
func writeBuckets(out *strings.Builder, m *crush.Map) error {
	out.WriteString("\n# buckets\n")

	var ids []int32
	for slot := m.MaxBuckets() - 1; slot >= 0; slot-- {
		if m.BucketExists(-1 - slot) {
			ids = append(ids, -1-slot)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return m.Bucket(ids[i]).TypeID < m.Bucket(ids[j]).TypeID
	})

	for _, id := range ids {
		b := m.Bucket(id)
		fmt.Fprintf(out, "%s %s {\n", typeName(m, b.TypeID), itemName(m, id))
		fmt.Fprintf(out, "\tid %d\t\t# do not change unnecessarily\n", id)
		fmt.Fprintf(out, "\talg %s", b.Alg)

		doPos := false
		switch b.Alg {
		case crush.AlgUniform:
			fmt.Fprintf(out, "\t# do not change bucket size (%d) unnecessarily", b.Size())
			doPos = true
		case crush.AlgList:
			out.WriteString("\t# add new items at the end; do not change order unnecessarily")
		case crush.AlgTree:
			out.WriteString("\t# do not change pos for existing items unnecessarily")
			doPos = true
		}
		out.WriteString("\n")

		for pos := 0; pos < b.Size(); pos++ {
			if b.Weights[pos] == 0 {
				// hole: later items must pin their slots
				doPos = true
				continue
			}
			fmt.Fprintf(out, "\titem %s weight %s", itemName(m, b.Items[pos]), crush.FixedString(b.Weights[pos]))
			if doPos {
				fmt.Fprintf(out, " pos %d", pos)
			}
			out.WriteString("\n")
		}
		out.WriteString("}\n")
	}
	return nil
}

func writeRules(out *strings.Builder, m *crush.Map) {
	out.WriteString("\n# rules\n")
	for i := int32(0); i < m.MaxRules(); i++ {
		r := m.Rule(i)
		out.WriteString("rule ")
		if name, ok := m.RuleName(i); ok {
			out.WriteString(name)
			out.WriteString(" ")
		}
		out.WriteString("{\n")
		fmt.Fprintf(out, "\tpool %d\n", r.Pool)
		fmt.Fprintf(out, "\ttype %s\n", r.Type)
		fmt.Fprintf(out, "\tmin_size %d\n", r.MinSize)
		fmt.Fprintf(out, "\tmax_size %d\n", r.MaxSize)
		for _, s := range r.Steps {
			switch s.Op {
			case crush.OpNoop:
				out.WriteString("\tstep noop\n")
			case crush.OpTake:
				fmt.Fprintf(out, "\tstep take %s\n", itemName(m, s.Arg1))
			case crush.OpEmit:
				out.WriteString("\tstep emit\n")
			case crush.OpChooseFirstN:
				fmt.Fprintf(out, "\tstep choose firstn %d type %s\n", s.Arg1, typeName(m, s.Arg2))
			case crush.OpChooseIndep:
				fmt.Fprintf(out, "\tstep choose indep %d type %s\n", s.Arg1, typeName(m, s.Arg2))
			case crush.OpChooseLeafFirstN:
				fmt.Fprintf(out, "\tstep chooseleaf firstn %d type %s\n", s.Arg1, typeName(m, s.Arg2))
			case crush.OpChooseLeafIndep:
				fmt.Fprintf(out, "\tstep chooseleaf indep %d type %s\n", s.Arg1, typeName(m, s.Arg2))
			}
		}
		out.WriteString("}\n")
	}
}
