// Package wasmtest encodes small core WebAssembly modules for tests.
//
// Modules are described with Go values and encoded straight to the binary
// format, so tests need no toolchain and no checked-in .wasm files.
package wasmtest

import "strings"

const (
	magic   uint32 = 0x6D736100
	version uint32 = 0x01
)

const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionCode     byte = 10
)

const (
	kindFunc   byte = 0x00
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (ft FuncType) key() string {
	var b strings.Builder
	for _, p := range ft.Params {
		b.WriteByte(byte(p))
	}
	b.WriteByte(':')
	for _, r := range ft.Results {
		b.WriteByte(byte(r))
	}
	return b.String()
}

// Import is a function import. Imports occupy the first function indices.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a defined function. Body excludes the trailing end opcode.
type Func struct {
	Export string
	Body   []byte
	Type   FuncType
}

// Global is a global with a constant initializer.
type Global struct {
	Export  string
	Init    int64
	Type    ValType
	Mutable bool
}

// Module describes a core module with at most one memory.
type Module struct {
	MemoryExport string
	Imports      []Import
	Funcs        []Func
	Globals      []Global
	MemoryPages  uint32
}

// Encode returns the module in binary format.
func (m *Module) Encode() []byte {
	var w writer
	w.u32le(magic)
	w.u32le(version)

	var types []FuncType
	typeIdx := map[string]uint32{}
	intern := func(ft FuncType) uint32 {
		k := ft.key()
		if idx, ok := typeIdx[k]; ok {
			return idx
		}
		idx := uint32(len(types))
		typeIdx[k] = idx
		types = append(types, ft)
		return idx
	}
	importTypes := make([]uint32, len(m.Imports))
	for i, imp := range m.Imports {
		importTypes[i] = intern(imp.Type)
	}
	funcTypes := make([]uint32, len(m.Funcs))
	for i, fn := range m.Funcs {
		funcTypes[i] = intern(fn.Type)
	}

	if len(types) > 0 {
		var sec writer
		sec.u32(uint32(len(types)))
		for _, ft := range types {
			sec.byte(0x60)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		w.section(sectionType, sec.bytes())
	}

	if len(m.Imports) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Imports)))
		for i, imp := range m.Imports {
			sec.name(imp.Module)
			sec.name(imp.Name)
			sec.byte(kindFunc)
			sec.u32(importTypes[i])
		}
		w.section(sectionImport, sec.bytes())
	}

	if len(m.Funcs) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Funcs)))
		for _, idx := range funcTypes {
			sec.u32(idx)
		}
		w.section(sectionFunction, sec.bytes())
	}

	if m.MemoryPages > 0 {
		var sec writer
		sec.u32(1)
		sec.byte(0x00) // min only
		sec.u32(m.MemoryPages)
		w.section(sectionMemory, sec.bytes())
	}

	if len(m.Globals) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			sec.byte(byte(g.Type))
			if g.Mutable {
				sec.byte(0x01)
			} else {
				sec.byte(0x00)
			}
			if g.Type == I64 {
				sec.write(I64Const(g.Init))
			} else {
				sec.write(I32Const(int32(g.Init)))
			}
			sec.byte(opEnd)
		}
		w.section(sectionGlobal, sec.bytes())
	}

	var exports writer
	count := uint32(0)
	base := uint32(len(m.Imports))
	for i, fn := range m.Funcs {
		if fn.Export == "" {
			continue
		}
		exports.name(fn.Export)
		exports.byte(kindFunc)
		exports.u32(base + uint32(i))
		count++
	}
	if m.MemoryPages > 0 && m.MemoryExport != "" {
		exports.name(m.MemoryExport)
		exports.byte(kindMemory)
		exports.u32(0)
		count++
	}
	for i, g := range m.Globals {
		if g.Export == "" {
			continue
		}
		exports.name(g.Export)
		exports.byte(kindGlobal)
		exports.u32(uint32(i))
		count++
	}
	if count > 0 {
		var sec writer
		sec.u32(count)
		sec.write(exports.bytes())
		w.section(sectionExport, sec.bytes())
	}

	if len(m.Funcs) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Funcs)))
		for _, fn := range m.Funcs {
			var body writer
			body.u32(0) // no locals
			body.write(fn.Body)
			body.byte(opEnd)
			sec.u32(uint32(len(body.bytes())))
			sec.write(body.bytes())
		}
		w.section(sectionCode, sec.bytes())
	}

	return w.bytes()
}

func writeValTypes(w *writer, vts []ValType) {
	w.u32(uint32(len(vts)))
	for _, vt := range vts {
		w.byte(byte(vt))
	}
}
