package engine

import (
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-relay/errors"
)

// Role is the part a guest module plays in the engine.
type Role uint8

const (
	// RoleLibrary is a co-located module with no required exports.
	RoleLibrary Role = iota
	// RoleMain is the entry module driven by invocations and the bridge.
	RoleMain
	// RoleSource is a transfer target fed by intra-engine transfers.
	RoleSource
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleSource:
		return "source"
	default:
		return "library"
	}
}

// Capability returns the export contract a module of this role must meet.
func (r Role) Capability() (Capability, bool) {
	switch r {
	case RoleMain:
		return MainModule, true
	case RoleSource:
		return SourceModule, true
	default:
		return Capability{}, false
	}
}

// Export is one required function export. Signatures are written with WIT
// primitive types and lowered to core types for comparison.
type Export struct {
	Name    string
	Params  []wit.Type
	Results []wit.Type
}

// Capability is a named set of exports a module must provide.
type Capability struct {
	Name    string
	Memory  string
	Exports []Export
}

// Export names of the main-module contract.
const (
	ExportAllocateMemory   = "allocate_memory"
	ExportStart            = "start"
	ExportDeallocateMemory = "deallocate_memory"
	ExportEntry            = "_start"
)

// Export names of the source-module contract.
const (
	ExportAllocate    = "allocate"
	ExportProcessData = "process_data"
)

// MemoryExport is the memory every contracted module exports.
const MemoryExport = "memory"

// MainModule is the contract of the entry module.
var MainModule = Capability{
	Name:   "main",
	Memory: MemoryExport,
	Exports: []Export{
		{Name: ExportAllocateMemory, Params: []wit.Type{wit.S32{}}, Results: []wit.Type{wit.S32{}}},
		{Name: ExportStart, Params: []wit.Type{wit.S32{}, wit.S32{}}, Results: []wit.Type{wit.S64{}}},
		{Name: ExportDeallocateMemory, Params: []wit.Type{wit.S32{}}},
	},
}

// SourceModule is the contract of a transfer target.
var SourceModule = Capability{
	Name:   "source",
	Memory: MemoryExport,
	Exports: []Export{
		{Name: ExportAllocate, Results: []wit.Type{wit.S32{}}},
		{Name: ExportProcessData},
	},
}

// Check verifies compiled exports every function and memory of the contract
// with matching core signatures.
func (c Capability) Check(module string, compiled wazero.CompiledModule) error {
	exports := compiled.ExportedFunctions()
	for _, want := range c.Exports {
		def, ok := exports[want.Name]
		if !ok {
			return errors.New(errors.PhaseEngine, errors.KindMissingExport).
				Module(module).
				Path(want.Name).
				Detail("%s capability requires export %q", c.Name, want.Name).
				Build()
		}

		params, err := coreTypes(want.Params)
		if err != nil {
			return err
		}
		results, err := coreTypes(want.Results)
		if err != nil {
			return err
		}
		if !sameTypes(def.ParamTypes(), params) || !sameTypes(def.ResultTypes(), results) {
			return errors.New(errors.PhaseEngine, errors.KindSignatureMismatch).
				Module(module).
				Path(want.Name).
				Detail("want %s, got %s",
					signature(params, results),
					signature(def.ParamTypes(), def.ResultTypes())).
				Build()
		}
	}

	if c.Memory != "" {
		if _, ok := compiled.ExportedMemories()[c.Memory]; !ok {
			return errors.MissingExport(module, c.Memory)
		}
	}
	return nil
}

// coreTypes lowers WIT primitives to the core value types they flatten to.
func coreTypes(ts []wit.Type) ([]api.ValueType, error) {
	out := make([]api.ValueType, 0, len(ts))
	for _, t := range ts {
		switch t.(type) {
		case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.Char:
			out = append(out, api.ValueTypeI32)
		case wit.U64, wit.S64:
			out = append(out, api.ValueTypeI64)
		case wit.F32:
			out = append(out, api.ValueTypeF32)
		case wit.F64:
			out = append(out, api.ValueTypeF64)
		default:
			return nil, errors.New(errors.PhaseEngine, errors.KindInvalidInput).
				Detail("capability type %T has no single core representation", t).
				Build()
		}
	}
	return out, nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(params, results []api.ValueType) string {
	names := func(ts []api.ValueType) string {
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = api.ValueTypeName(t)
		}
		return strings.Join(parts, ", ")
	}
	return "(" + names(params) + ") -> (" + names(results) + ")"
}
