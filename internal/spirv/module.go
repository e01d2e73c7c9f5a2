package spirv

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// Module is one shader module under construction. Instructions are kept in
// the section order the binary layout mandates; ids are handed out
// sequentially and types/constants are interned so repeated requests reuse
// the same id.
type Module struct {
	Name string

	bound ID

	capabilities []Instruction
	extImports   []Instruction
	memoryModel  *Instruction
	entryPoints  []Instruction
	execModes    []Instruction
	debug        []Instruction
	decorations  []Instruction
	types        []Instruction
	functions    []Instruction

	typeCache  map[string]ID
	constCache map[string]ID
}

// NewModule starts an empty module.
func NewModule(name string) *Module {
	return &Module{
		Name:       name,
		typeCache:  make(map[string]ID),
		constCache: make(map[string]ID),
	}
}

// NewID allocates a fresh result id.
func (m *Module) NewID() ID {
	m.bound++
	return m.bound
}

// AddCapability records a required capability once.
func (m *Module) AddCapability(c Capability) {
	for _, ins := range m.capabilities {
		if ins.Words[0] == Word(c) {
			return
		}
	}
	m.capabilities = append(m.capabilities, Instruction{Op: OpCapability, Words: []Word{Word(c)}})
}

// ImportExtInstSet declares an extended instruction set and returns its id.
func (m *Module) ImportExtInstSet(name string) ID {
	key := "ext." + name
	if id, ok := m.typeCache[key]; ok {
		return id
	}
	id := m.NewID()
	m.extImports = append(m.extImports, Instruction{
		Op: OpExtInstImport, Words: append([]Word{id}, packString(name)...),
	})
	m.typeCache[key] = id
	return id
}

// SetMemoryModel fixes the addressing and memory model words.
func (m *Module) SetMemoryModel(addressing, memory Word) {
	m.memoryModel = &Instruction{Op: OpMemoryModel, Words: []Word{addressing, memory}}
}

// EntryPoint declares an entry function with its interface variables.
func (m *Module) EntryPoint(model Word, fn ID, name string, iface ...ID) {
	words := append([]Word{model, fn}, packString(name)...)
	words = append(words, iface...)
	m.entryPoints = append(m.entryPoints, Instruction{Op: OpEntryPoint, Words: words})
}

// ExecutionMode attaches an execution mode to an entry point.
func (m *Module) ExecutionMode(fn ID, mode Word, args ...Word) {
	words := append([]Word{fn, mode}, args...)
	m.execModes = append(m.execModes, Instruction{Op: OpExecutionMode, Words: words})
}

// SetName attaches a debug name to an id.
func (m *Module) SetName(id ID, name string) {
	m.debug = append(m.debug, Instruction{Op: OpName, Words: append([]Word{id}, packString(name)...)})
}

// Decorate attaches a decoration to an id.
func (m *Module) Decorate(id ID, decoration Word, args ...Word) {
	m.decorations = append(m.decorations, Instruction{
		Op: OpDecorate, Words: append([]Word{id, decoration}, args...),
	})
}

func (m *Module) internType(key string, op Opcode, operands func(id ID) []Word) ID {
	if id, ok := m.typeCache[key]; ok {
		return id
	}
	id := m.NewID()
	m.types = append(m.types, Instruction{Op: op, Words: operands(id)})
	m.typeCache[key] = id
	return id
}

// TypeVoid returns the void type id.
func (m *Module) TypeVoid() ID {
	return m.internType("void", OpTypeVoid, func(id ID) []Word { return []Word{id} })
}

// TypeBool returns the bool type id.
func (m *Module) TypeBool() ID {
	return m.internType("bool", OpTypeBool, func(id ID) []Word { return []Word{id} })
}

// TypeInt returns an integer type id. Signedness here is the encoding bit,
// not an arithmetic property.
func (m *Module) TypeInt(width Word, signed bool) ID {
	s := Word(0)
	if signed {
		s = 1
	}
	key := fmt.Sprintf("int%d.%d", width, s)
	return m.internType(key, OpTypeInt, func(id ID) []Word { return []Word{id, width, s} })
}

// TypeFloat returns a float type id.
func (m *Module) TypeFloat(width Word) ID {
	key := fmt.Sprintf("float%d", width)
	return m.internType(key, OpTypeFloat, func(id ID) []Word { return []Word{id, width} })
}

// TypeVector returns a vector type id.
func (m *Module) TypeVector(elem ID, n Word) ID {
	key := fmt.Sprintf("vec%d.%d", elem, n)
	return m.internType(key, OpTypeVector, func(id ID) []Word { return []Word{id, elem, n} })
}

// TypePointer returns a pointer type id in the given storage class.
func (m *Module) TypePointer(storage Word, elem ID) ID {
	key := fmt.Sprintf("ptr%d.%d", storage, elem)
	return m.internType(key, OpTypePointer, func(id ID) []Word { return []Word{id, storage, elem} })
}

// TypeFunction returns a function type id.
func (m *Module) TypeFunction(ret ID, params ...ID) ID {
	key := fmt.Sprintf("fn%d%v", ret, params)
	return m.internType(key, OpTypeFunction, func(id ID) []Word {
		return append([]Word{id, ret}, params...)
	})
}

// ConstantInt returns a constant of the given integer type. Types wider than
// 32 bits take two words, low word first.
func (m *Module) ConstantInt(t ID, width Word, v uint64) ID {
	key := fmt.Sprintf("c%d.%d", t, v)
	if id, ok := m.constCache[key]; ok {
		return id
	}
	id := m.NewID()
	words := []Word{t, id, Word(v)}
	if width > 32 {
		words = append(words, Word(v>>32))
	}
	m.types = append(m.types, Instruction{Op: OpConstant, Words: words})
	m.constCache[key] = id
	return id
}

// ConstantBool returns a true or false constant of the bool type.
func (m *Module) ConstantBool(t ID, v bool) ID {
	key := fmt.Sprintf("cb%d.%v", t, v)
	if id, ok := m.constCache[key]; ok {
		return id
	}
	id := m.NewID()
	op := OpConstantFalse
	if v {
		op = OpConstantTrue
	}
	m.types = append(m.types, Instruction{Op: op, Words: []Word{t, id}})
	m.constCache[key] = id
	return id
}

// GlobalVariable declares a module-level variable of the pointer type.
func (m *Module) GlobalVariable(ptrType ID, storage Word) ID {
	id := m.NewID()
	m.types = append(m.types, Instruction{Op: OpVariable, Words: []Word{ptrType, id, storage}})
	return id
}

// Emit appends an instruction to the function section.
func (m *Module) Emit(op Opcode, words ...Word) {
	m.functions = append(m.functions, Instruction{Op: op, Words: words})
}

// Serialize encodes the module as its binary word stream.
func (m *Module) Serialize(version Word) []Word {
	out := []Word{Magic, version, Generator, m.bound + 1, 0}
	emit := func(ins []Instruction) {
		for _, i := range ins {
			n, err := safecast.Conv[uint16](len(i.Words) + 1)
			if err != nil {
				panic(fmt.Sprintf("spirv: instruction too long: %v", err))
			}
			out = append(out, Word(n)<<16|Word(i.Op))
			out = append(out, i.Words...)
		}
	}
	emit(m.capabilities)
	emit(m.extImports)
	if m.memoryModel != nil {
		emit([]Instruction{*m.memoryModel})
	}
	emit(m.entryPoints)
	emit(m.execModes)
	emit(m.debug)
	emit(m.decorations)
	emit(m.types)
	emit(m.functions)
	return out
}

// Bytes encodes the serialized words little-endian.
func Bytes(words []Word) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// packString encodes a string as null-terminated little-endian words.
func packString(s string) []Word {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	out := make([]Word, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}
