package crush

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// drawSeed fixes the hash family. Changing it changes every placement
// decision, so it is as much a wire constant as the format magic.
const drawSeed uint32 = 0x95e0a1ef

// draw produces the deterministic 32-bit value behind every placement
// decision: a murmur3 mix of the input key, the item or bucket id being
// considered, the replica index, and the retry counter. Distinct
// subsystems of a selection (bucket descent, offload check) are kept apart
// through the id and try arguments, never the seed.
func draw(key uint32, id int32, replica int32, try uint32) uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], key)
	binary.LittleEndian.PutUint32(b[4:], uint32(id))
	binary.LittleEndian.PutUint32(b[8:], uint32(replica))
	binary.LittleEndian.PutUint32(b[12:], try)
	return murmur3.Sum32WithSeed(b[:], drawSeed)
}

// draw16 is draw folded to 16 bits, the precision weights carry below the
// fixed point.
func draw16(key uint32, id int32, replica int32, try uint32) uint32 {
	return draw(key, id, replica, try) & 0xffff
}
