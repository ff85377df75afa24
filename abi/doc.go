// Package abi defines the binary contract between the host and guest modules:
// export and import names, return codes, guest memory access and the
// encodings of values that cross the boundary.
//
// All integers crossing the boundary are little-endian. Buffers are passed as
// (ptr, len) pairs of i32. Host-to-guest buffers are allocated through the
// guest's alloc export; guest-to-host buffers are copied out before use.
//
// An asynchronous result is delivered to resume as an envelope:
//
//	[outcome u8][status u16][conn u64][head_len u32][head][body]
package abi
