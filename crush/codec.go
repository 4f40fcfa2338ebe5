package crush

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Wire format constants. The magic identifies a CRUSH map blob; the version
// gates compatibility. Any mismatch of either is a hard decode error.
const (
	FormatMagic   uint32 = 0x00010000
	FormatVersion uint32 = 1
)

// emptySlot marks an unoccupied bucket slot in the directory section.
const emptySlot uint32 = 0xffffffff

var (
	ErrBadMagic   = errors.New("crush: bad magic")
	ErrBadVersion = errors.New("crush: unsupported version")
	ErrTruncated  = errors.New("crush: truncated input")
)

// Encode serializes a finalized map to its binary form: little-endian,
// length-prefixed sections in fixed order (header, devices, bucket
// directory, bucket bodies, rules, type names, item names, rule names).
func Encode(m *Map) ([]byte, error) {
	if !m.finalized {
		return nil, fmt.Errorf("crush: encode of unfinalized map")
	}

	var header sectionWriter
	header.u32(FormatMagic)
	header.u32(FormatVersion)

	var devices sectionWriter
	devices.u32(uint32(m.MaxDevices()))
	for _, off := range m.offloads {
		devices.u32(off)
	}

	// Bodies are laid out first so the directory can carry their offsets.
	var bodies sectionWriter
	offsets := make([]uint32, m.MaxBuckets())
	for slot := int32(0); slot < m.MaxBuckets(); slot++ {
		b := m.buckets[slot]
		if b == nil {
			offsets[slot] = emptySlot
			continue
		}
		offsets[slot] = uint32(bodies.len())
		if err := encodeBucket(&bodies, b); err != nil {
			return nil, err
		}
	}

	var directory sectionWriter
	directory.u32(uint32(m.MaxBuckets()))
	for _, off := range offsets {
		directory.u32(off)
	}

	var rules sectionWriter
	rules.u32(uint32(m.MaxRules()))
	for _, r := range m.rules {
		rules.i32(r.Pool)
		rules.u32(uint32(r.Type))
		rules.u32(r.MinSize)
		rules.u32(r.MaxSize)
		rules.u32(uint32(len(r.Steps)))
		for _, s := range r.Steps {
			rules.u32(uint32(s.Op))
			rules.i32(s.Arg1)
			rules.i32(s.Arg2)
		}
	}

	typeNames := encodeNameTable(m.TypeLevels(), m.typeNames)
	itemNames := encodeNameTable(m.ItemIDs(), m.itemNames)
	ruleNames := encodeNameTable(m.ruleNameIDs(), m.ruleNames)

	var out bytes.Buffer
	for _, s := range []*sectionWriter{&header, &devices, &directory, &bodies, &rules, typeNames, itemNames, ruleNames} {
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(s.len()))
		out.Write(length[:])
		out.Write(s.bytes())
	}
	return out.Bytes(), nil
}

func encodeBucket(w *sectionWriter, b *Bucket) error {
	w.i32(b.ID)
	w.i32(b.TypeID)
	w.u32(uint32(b.Alg))
	w.u32(b.Weight)
	w.u32(uint32(b.Size()))
	for _, item := range b.Items {
		w.i32(item)
	}
	for _, weight := range b.Weights {
		w.u32(weight)
	}
	switch tail := b.Tail.(type) {
	case UniformTail:
		w.u32(tail.ItemWeight)
	case ListTail:
		for _, s := range tail.SumWeights {
			w.u32(s)
		}
	case TreeTail:
		w.u32(uint32(len(tail.Nodes)))
		for _, n := range tail.Nodes {
			w.u32(n)
		}
	case StrawTail:
		for _, s := range tail.Straws {
			w.u32(s)
		}
	default:
		return fmt.Errorf("crush: bucket %d has no derived state for alg %s", b.ID, b.Alg)
	}
	return nil
}

func encodeNameTable(keys []int32, names map[int32]string) *sectionWriter {
	var w sectionWriter
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.i32(k)
		w.str(names[k])
	}
	return &w
}

// Decode parses a binary map blob. The result is a finalized map: the
// derived per-bucket state comes off the wire rather than from Finalize.
func Decode(data []byte) (*Map, error) {
	d := &decoder{data: data}

	header, err := d.section()
	if err != nil {
		return nil, err
	}
	magic, err := header.u32()
	if err != nil {
		return nil, err
	}
	if magic != FormatMagic {
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}
	version, err := header.u32()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	m := NewMap()

	devices, err := d.section()
	if err != nil {
		return nil, err
	}
	maxDevices, err := devices.count("device")
	if err != nil {
		return nil, err
	}
	m.offloads = make([]uint32, maxDevices)
	for i := range m.offloads {
		if m.offloads[i], err = devices.u32(); err != nil {
			return nil, err
		}
	}

	directory, err := d.section()
	if err != nil {
		return nil, err
	}
	maxBuckets, err := directory.count("bucket slot")
	if err != nil {
		return nil, err
	}
	offsets := make([]uint32, maxBuckets)
	for i := range offsets {
		if offsets[i], err = directory.u32(); err != nil {
			return nil, err
		}
	}

	bodies, err := d.section()
	if err != nil {
		return nil, err
	}
	m.buckets = make([]*Bucket, maxBuckets)
	for slot, off := range offsets {
		if off == emptySlot {
			continue
		}
		if int(off) != bodies.off {
			return nil, fmt.Errorf("crush: bucket slot %d offset %d does not match body position %d", slot, off, bodies.off)
		}
		b, err := decodeBucket(bodies)
		if err != nil {
			return nil, err
		}
		if b.ID != slotID(int32(slot)) {
			return nil, fmt.Errorf("crush: bucket id %d in slot %d", b.ID, slot)
		}
		m.buckets[slot] = b
	}
	if bodies.off != len(bodies.data) {
		return nil, fmt.Errorf("crush: %d trailing bytes after bucket bodies", len(bodies.data)-bodies.off)
	}

	rules, err := d.section()
	if err != nil {
		return nil, err
	}
	numRules, err := rules.count("rule")
	if err != nil {
		return nil, err
	}
	m.rules = make([]*Rule, 0, numRules)
	for i := 0; i < numRules; i++ {
		r, err := decodeRule(rules)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, r)
	}

	if err := decodeNameTable(d, "type", func(k int32, name string) {
		m.typeNames[k] = name
		m.typeIDs[name] = k
	}); err != nil {
		return nil, err
	}
	if err := decodeNameTable(d, "item", func(k int32, name string) {
		m.itemNames[k] = name
		m.itemIDs[name] = k
	}); err != nil {
		return nil, err
	}
	if err := decodeNameTable(d, "rule", func(k int32, name string) {
		m.ruleNames[k] = name
		m.ruleIDs[name] = k
	}); err != nil {
		return nil, err
	}

	if d.off != len(d.data) {
		return nil, fmt.Errorf("crush: %d trailing bytes after rule names", len(d.data)-d.off)
	}

	m.finalized = true
	return m, nil
}

func decodeBucket(r *reader) (*Bucket, error) {
	b := &Bucket{}
	var err error
	if b.ID, err = r.i32(); err != nil {
		return nil, err
	}
	if b.TypeID, err = r.i32(); err != nil {
		return nil, err
	}
	alg, err := r.u32()
	if err != nil {
		return nil, err
	}
	b.Alg = Alg(alg)
	if b.Weight, err = r.u32(); err != nil {
		return nil, err
	}
	size, err := r.count("bucket item")
	if err != nil {
		return nil, err
	}
	b.Items = make([]int32, size)
	for i := range b.Items {
		if b.Items[i], err = r.i32(); err != nil {
			return nil, err
		}
	}
	b.Weights = make([]uint32, size)
	for i := range b.Weights {
		if b.Weights[i], err = r.u32(); err != nil {
			return nil, err
		}
	}

	switch b.Alg {
	case AlgUniform:
		w, err := r.u32()
		if err != nil {
			return nil, err
		}
		b.Tail = UniformTail{ItemWeight: w}
	case AlgList:
		sums := make([]uint32, size)
		for i := range sums {
			if sums[i], err = r.u32(); err != nil {
				return nil, err
			}
		}
		b.Tail = ListTail{SumWeights: sums}
	case AlgTree:
		n, err := r.count("tree node")
		if err != nil {
			return nil, err
		}
		nodes := make([]uint32, n)
		for i := range nodes {
			if nodes[i], err = r.u32(); err != nil {
				return nil, err
			}
		}
		b.Tail = TreeTail{Nodes: nodes}
	case AlgStraw:
		straws := make([]uint32, size)
		for i := range straws {
			if straws[i], err = r.u32(); err != nil {
				return nil, err
			}
		}
		b.Tail = StrawTail{Straws: straws}
	default:
		return nil, fmt.Errorf("crush: bucket %d has unknown alg %d", b.ID, alg)
	}
	return b, nil
}

func decodeRule(r *reader) (*Rule, error) {
	rule := &Rule{}
	var err error
	if rule.Pool, err = r.i32(); err != nil {
		return nil, err
	}
	typ, err := r.u32()
	if err != nil {
		return nil, err
	}
	rule.Type = RuleType(typ)
	if rule.Type != RuleReplicated && rule.Type != RuleRAID4 {
		return nil, fmt.Errorf("crush: unknown rule type %d", typ)
	}
	if rule.MinSize, err = r.u32(); err != nil {
		return nil, err
	}
	if rule.MaxSize, err = r.u32(); err != nil {
		return nil, err
	}
	numSteps, err := r.count("rule step")
	if err != nil {
		return nil, err
	}
	rule.Steps = make([]Step, numSteps)
	for i := range rule.Steps {
		op, err := r.u32()
		if err != nil {
			return nil, err
		}
		switch StepOp(op) {
		case OpNoop, OpTake, OpChooseFirstN, OpChooseIndep, OpEmit, OpChooseLeafFirstN, OpChooseLeafIndep:
		default:
			return nil, fmt.Errorf("crush: unknown step opcode %d", op)
		}
		rule.Steps[i].Op = StepOp(op)
		if rule.Steps[i].Arg1, err = r.i32(); err != nil {
			return nil, err
		}
		if rule.Steps[i].Arg2, err = r.i32(); err != nil {
			return nil, err
		}
	}
	return rule, nil
}

func decodeNameTable(d *decoder, what string, put func(int32, string)) error {
	table, err := d.section()
	if err != nil {
		return err
	}
	n, err := table.count(what + " name")
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		k, err := table.i32()
		if err != nil {
			return err
		}
		name, err := table.str()
		if err != nil {
			return err
		}
		put(k, name)
	}
	return nil
}

// sectionWriter accumulates one little-endian section payload.
type sectionWriter struct {
	buf bytes.Buffer
}

func (w *sectionWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *sectionWriter) i32(v int32) {
	w.u32(uint32(v))
}

func (w *sectionWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *sectionWriter) len() int {
	return w.buf.Len()
}

func (w *sectionWriter) bytes() []byte {
	return w.buf.Bytes()
}

// decoder walks the top-level section stream.
type decoder struct {
	data []byte
	off  int
}

// section consumes one length-prefixed section and returns a reader over
// its payload.
func (d *decoder) section() (*reader, error) {
	if len(d.data)-d.off < 4 {
		return nil, ErrTruncated
	}
	length := int(binary.LittleEndian.Uint32(d.data[d.off:]))
	d.off += 4
	if length > len(d.data)-d.off {
		return nil, fmt.Errorf("%w: section of %d bytes with %d remaining", ErrTruncated, length, len(d.data)-d.off)
	}
	r := &reader{data: d.data[d.off : d.off+length]}
	d.off += length
	return r, nil
}

// reader walks one section payload.
type reader struct {
	data []byte
	off  int
}

func (r *reader) u32() (uint32, error) {
	if len(r.data)-r.off < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

// count reads a declared element count and rejects counts that cannot fit
// in the remaining bytes (each element is at least 4 bytes).
func (r *reader) count(what string) (int, error) {
	v, err := r.u32()
	if err != nil {
		return 0, err
	}
	if int64(v)*4 > int64(len(r.data)-r.off) {
		return 0, fmt.Errorf("%w: %d %ss declared with %d bytes remaining", ErrTruncated, v, what, len(r.data)-r.off)
	}
	return int(v), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if int(n) > len(r.data)-r.off {
		return "", fmt.Errorf("%w: string of %d bytes with %d remaining", ErrTruncated, n, len(r.data)-r.off)
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("crush: name %q is not valid UTF-8", s)
	}
	return s, nil
}
