// Package meter instruments WebAssembly modules with deterministic resource
// accounting.
//
// Instrument rewrites a core module so that it pays for its own execution:
//
//   - an exported mutable i64 global (FuelGlobal) holds the remaining fuel
//   - every straight-line segment of every function starts with a call to an
//     injected charge function that subtracts the segment's instruction count
//     and traps once the fuel would go negative
//   - memory.grow is replaced by a call to an injected guard that traps when
//     the requested size exceeds Config.MaxPages
//
// Before trapping, the injected code stores the reason in the exported
// TripGlobal so the host can tell fuel exhaustion (TripFuel) and memory
// exhaustion (TripMemory) apart from ordinary guest traps.
//
// Injected types, functions and globals are appended after existing ones so
// no index in the original module changes.
//
// Supported input is the MVP plus sign extension, saturating truncation, bulk
// memory, reference types and multi-value. SIMD, threads, exception handling,
// tail calls, memory64 and multiple memories are rejected. So are start
// functions: guest code only runs through the host's explicit entry points.
package meter
