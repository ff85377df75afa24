package abi

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/errors"
)

var (
	_ executor.Memory      = (*Memory)(nil)
	_ executor.MemorySizer = (*Memory)(nil)
	_ executor.Allocator   = (*Allocator)(nil)
)

// Memory adapts a wazero api.Memory to executor.Memory. Every access is
// checked against the current memory size and fails with an out_of_bounds trap.
type Memory struct {
	mem api.Memory
}

// NewMemory wraps mem. It returns nil when mem is nil.
func NewMemory(mem api.Memory) *Memory {
	if mem == nil {
		return nil
	}
	return &Memory{mem: mem}
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// Read copies length bytes starting at offset out of guest memory.
func (m *Memory) Read(offset uint32, length uint32) ([]byte, error) {
	view, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(offset, length, m.mem.Size())
	}
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// ReadString reads a UTF-8 string. Invalid sequences are kept as-is.
func (m *Memory) ReadString(offset uint32, length uint32) (string, error) {
	view, ok := m.mem.Read(offset, length)
	if !ok {
		return "", errors.OutOfBounds(offset, length, m.mem.Size())
	}
	return string(view), nil
}

// Write copies data into guest memory at offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(offset, uint32(len(data)), m.mem.Size())
	}
	return nil
}

// ReadU8 reads a single byte.
func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, errors.OutOfBounds(offset, 1, m.mem.Size())
	}
	return v, nil
}

// ReadU32 reads a little-endian uint32.
func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(offset, 4, m.mem.Size())
	}
	return v, nil
}

// WriteU32 writes a little-endian uint32.
func (m *Memory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(offset, 4, m.mem.Size())
	}
	return nil
}

// Allocator calls the guest's alloc export.
type Allocator struct {
	ctx context.Context
	fn  api.Function
}

// NewAllocator wraps the alloc export. It returns nil when fn is nil.
func NewAllocator(ctx context.Context, fn api.Function) *Allocator {
	if fn == nil {
		return nil
	}
	return &Allocator{ctx: ctx, fn: fn}
}

// Alloc reserves size bytes in guest memory.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	results, err := a.fn.Call(a.ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("alloc(%d): %w", size, err)
	}
	if len(results) == 0 {
		return 0, errors.Trap(errors.KindProtocol, "alloc returned no result", nil)
	}
	return uint32(results[0]), nil
}

// WriteInput allocates a guest buffer and copies data into it. Empty input
// yields (0, 0) without calling the allocator.
func WriteInput(m *Memory, a *Allocator, data []byte) (ptr, length uint32, err error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	if a == nil {
		return 0, 0, errors.Trap(errors.KindProtocol, "guest does not export alloc", nil)
	}
	ptr, err = a.Alloc(uint32(len(data)))
	if err != nil {
		return 0, 0, err
	}
	if err := m.Write(ptr, data); err != nil {
		return 0, 0, err
	}
	return ptr, uint32(len(data)), nil
}
