package wasmtest

// Layout of the canned guest modules.
const (
	MainHeapBase   = 1024
	SourceHeapBase = 2048
	SourceChunk    = 256
)

// MainOptions selects variants of the main module.
type MainOptions struct {
	// Bridge imports wasi_export.read_memory_host and exports
	// call_bridge(addr, len) -> i32 forwarding to it.
	Bridge bool
	// BridgeInStart makes start call the bridge on its input before
	// reading the result. Implies Bridge.
	BridgeInStart bool
	// TrapStart makes start trap.
	TrapStart bool
	// TrapEntry makes _start trap.
	TrapEntry bool
	// ExitEntry imports wasi_snapshot_preview1.proc_exit and ends _start
	// with proc_exit(EntryExitCode), the way wasip1 commands return.
	ExitEntry     bool
	EntryExitCode int32
	// OmitStart drops the start export.
	OmitStart bool
	// StartResultI32 declares start as returning i32 instead of i64.
	StartResultI32 bool
	// ImportFrom adds an import of allocate() -> i32 from the named module,
	// the way a main module links against a co-located sibling.
	ImportFrom string
}

// Main returns a module satisfying the main-module contract:
//
//	allocate_memory(len i32) -> i32   bump allocator from MainHeapBase
//	start(addr i32, len i32) -> i64   little-endian i64 stored at addr
//	deallocate_memory(addr i32)       records addr in global "freed"
//	_start()                          sets global "started" to 1
//
// It exports its memory as "memory" and globals "heap", "started", "freed".
func Main(opts MainOptions) []byte {
	bridge := opts.Bridge || opts.BridgeInStart

	m := &Module{MemoryPages: 1, MemoryExport: "memory"}
	if bridge {
		m.Imports = append(m.Imports, Import{
			Module: "wasi_export",
			Name:   "read_memory_host",
			Type:   FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}},
		})
	}
	if opts.ImportFrom != "" {
		m.Imports = append(m.Imports, Import{
			Module: opts.ImportFrom,
			Name:   "allocate",
			Type:   FuncType{Results: []ValType{I32}},
		})
	}
	var procExit uint32
	if opts.ExitEntry {
		procExit = uint32(len(m.Imports))
		m.Imports = append(m.Imports, Import{
			Module: "wasi_snapshot_preview1",
			Name:   "proc_exit",
			Type:   FuncType{Params: []ValType{I32}},
		})
	}
	m.Globals = []Global{
		{Export: "heap", Type: I32, Mutable: true, Init: MainHeapBase},
		{Export: "started", Type: I32, Mutable: true},
		{Export: "freed", Type: I32, Mutable: true, Init: -1},
	}

	m.Funcs = append(m.Funcs,
		Func{
			Export: "allocate_memory",
			Type:   FuncType{Params: []ValType{I32}, Results: []ValType{I32}},
			Body:   Code(GlobalGet(0), GlobalGet(0), LocalGet(0), I32Add(), GlobalSet(0)),
		},
		Func{
			Export: "deallocate_memory",
			Type:   FuncType{Params: []ValType{I32}},
			Body:   Code(LocalGet(0), GlobalSet(2)),
		},
	)

	entry := Func{Export: "_start", Type: FuncType{}, Body: Code(I32Const(1), GlobalSet(1))}
	switch {
	case opts.TrapEntry:
		entry.Body = Unreachable()
	case opts.ExitEntry:
		entry.Body = Code(I32Const(1), GlobalSet(1), I32Const(opts.EntryExitCode), Call(procExit))
	}
	m.Funcs = append(m.Funcs, entry)

	if !opts.OmitStart {
		start := Func{
			Export: "start",
			Type:   FuncType{Params: []ValType{I32, I32}, Results: []ValType{I64}},
		}
		switch {
		case opts.StartResultI32:
			start.Type.Results = []ValType{I32}
			start.Body = Code(LocalGet(1))
		case opts.TrapStart:
			start.Body = Unreachable()
		case opts.BridgeInStart:
			start.Body = Code(LocalGet(0), LocalGet(1), Call(0), Drop(), LocalGet(0), I64Load(0))
		default:
			start.Body = Code(LocalGet(0), I64Load(0))
		}
		m.Funcs = append(m.Funcs, start)
	}

	if bridge {
		m.Funcs = append(m.Funcs, Func{
			Export: "call_bridge",
			Type:   FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}},
			Body:   Code(LocalGet(0), LocalGet(1), Call(0)),
		})
	}

	return m.Encode()
}

// SourceOptions selects variants of the source module.
type SourceOptions struct {
	OmitProcess bool
	TrapProcess bool
}

// Source returns a module satisfying the source-module contract:
//
//	allocate() -> i32   hands out SourceChunk-byte blocks from SourceHeapBase
//	process_data()      increments "processed" and records the first
//	                    little-endian i32 of the last block in "last_word"
//
// It exports its memory as "memory" and globals "heap", "processed", "last_word".
func Source(opts SourceOptions) []byte {
	m := &Module{
		MemoryPages:  1,
		MemoryExport: "memory",
		Globals: []Global{
			{Export: "heap", Type: I32, Mutable: true, Init: SourceHeapBase},
			{Export: "processed", Type: I32, Mutable: true},
			{Export: "last_word", Type: I32, Mutable: true},
		},
	}
	m.Funcs = append(m.Funcs, Func{
		Export: "allocate",
		Type:   FuncType{Results: []ValType{I32}},
		Body:   Code(GlobalGet(0), GlobalGet(0), I32Const(SourceChunk), I32Add(), GlobalSet(0)),
	})

	if !opts.OmitProcess {
		process := Func{Export: "process_data", Type: FuncType{}}
		if opts.TrapProcess {
			process.Body = Unreachable()
		} else {
			process.Body = Code(
				GlobalGet(1), I32Const(1), I32Add(), GlobalSet(1),
				GlobalGet(0), I32Const(-SourceChunk), I32Add(), I32Load(0), GlobalSet(2),
			)
		}
		m.Funcs = append(m.Funcs, process)
	}

	return m.Encode()
}
