package engine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-relay/errors"
)

// ReadMemory copies length bytes of mod's memory starting at offset.
// The returned slice is owned by the caller; it never aliases guest memory.
func ReadMemory(mod api.Module, offset, length uint32) ([]byte, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.MissingExport(mod.Name(), MemoryExport)
	}
	view, ok := mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseEngine, mod.Name(), offset, length, mem.Size())
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// WriteMemory copies data into mod's memory at offset. Nothing is written
// when the range does not fit.
func WriteMemory(mod api.Module, offset uint32, data []byte) error {
	mem := mod.Memory()
	if mem == nil {
		return errors.MissingExport(mod.Name(), MemoryExport)
	}
	if !mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseEngine, mod.Name(), offset, uint32(len(data)), mem.Size())
	}
	return nil
}
