// Package crush holds the in-memory CRUSH map and everything that operates
// on the finalized form: the binary codec and the placement kernel.
//
// # Reading Guide
//
// Start with these three files to understand the map library:
//   - map.go: the Map owner type, its mutators (used by the compiler) and
//     accessors (used by the codec and decompiler)
//   - finalize.go: the sealing pass that checks invariants and computes the
//     derived per-bucket state (summed weights, tree node arrays, straws)
//   - codec.go: the little-endian wire format, Encode and Decode
//
// # Architecture
//
// The Map is built incrementally by the semantic builder in crush/compiler,
// then sealed by Finalize. After Finalize only device offloads
// (SetOffload) may change; Encode, Decompile, and Place only observe it. All cross-references are by id,
// never by pointer: device ids are non-negative, bucket ids strictly
// negative with slot = -1-id, and a bucket's children always sit at a
// strictly lower type level, so cycles cannot be expressed.
//
// Placement (place.go) is a pure function of the finalized map and a key.
// It consumes exactly the state the codec carries: item order for LIST
// buckets, the node array for TREE buckets, straw lengths for STRAW
// buckets, and per-device offload fractions.
package crush
