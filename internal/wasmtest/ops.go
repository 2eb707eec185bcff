package wasmtest

const (
	opUnreachable byte = 0x00
	opEnd         byte = 0x0B
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opLocalGet    byte = 0x20
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI64Load     byte = 0x29
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Add      byte = 0x6A
)

// Code concatenates instructions into a function body.
func Code(ins ...[]byte) []byte {
	var out []byte
	for _, in := range ins {
		out = append(out, in...)
	}
	return out
}

func withIndex(op byte, idx uint32) []byte {
	var w writer
	w.byte(op)
	w.u32(idx)
	return w.bytes()
}

func memarg(op byte, align, offset uint32) []byte {
	var w writer
	w.byte(op)
	w.u32(align)
	w.u32(offset)
	return w.bytes()
}

func LocalGet(idx uint32) []byte  { return withIndex(opLocalGet, idx) }
func GlobalGet(idx uint32) []byte { return withIndex(opGlobalGet, idx) }
func GlobalSet(idx uint32) []byte { return withIndex(opGlobalSet, idx) }
func Call(idx uint32) []byte      { return withIndex(opCall, idx) }

// I32Load loads with natural alignment.
func I32Load(offset uint32) []byte { return memarg(opI32Load, 2, offset) }

// I64Load loads with natural alignment.
func I64Load(offset uint32) []byte { return memarg(opI64Load, 3, offset) }

func I32Const(v int32) []byte {
	var w writer
	w.byte(opI32Const)
	w.s64(int64(v))
	return w.bytes()
}

func I64Const(v int64) []byte {
	var w writer
	w.byte(opI64Const)
	w.s64(v)
	return w.bytes()
}

func I32Add() []byte      { return []byte{opI32Add} }
func Drop() []byte        { return []byte{opDrop} }
func Unreachable() []byte { return []byte{opUnreachable} }
