package types

import (
	"fmt"
	"strings"
)

// WordSize is the size in bytes of a stack cell. Every variable slot is
// aligned to and addressed at word granularity.
const WordSize = 8

// WordAlign rounds n up to the next multiple of WordSize.
func WordAlign(n int64) int64 {
	return (n + WordSize - 1) &^ (WordSize - 1)
}

// Kind discriminates the type variants.
type Kind int

const (
	KindInteger Kind = iota
	KindBool
	KindStruct
	KindEnum
	KindFunc
	KindArray
	KindPointer
)

// Type is the interface implemented by all type variants.
type Type interface {
	Kind() Kind
	Name() string
	// ByteSize returns the number of bytes a value of this type occupies.
	// Always positive for value types.
	ByteSize() int64
}

// IntegerType is a signed or unsigned integer of up to 64 bits.
type IntegerType struct {
	TypeName string
	Bits     int
	Signed   bool
}

func (t *IntegerType) Kind() Kind      { return KindInteger }
func (t *IntegerType) Name() string    { return t.TypeName }
func (t *IntegerType) ByteSize() int64 { return int64(t.Bits / 8) }

// BoolType is the builtin boolean type.
type BoolType struct{}

func (t *BoolType) Kind() Kind      { return KindBool }
func (t *BoolType) Name() string    { return "bool" }
func (t *BoolType) ByteSize() int64 { return 1 }

// StructMember is a named field of a struct type. Offset is the byte offset
// of the field within the struct; members are word-aligned so every offset
// is a word multiple.
type StructMember struct {
	Name   string
	Type   Type
	Offset int64
}

// StructType is a nominal struct. ID is a dense index in declaration order.
type StructType struct {
	TypeName string
	ID       int
	Members  []*StructMember
}

func (t *StructType) Kind() Kind   { return KindStruct }
func (t *StructType) Name() string { return t.TypeName }

func (t *StructType) ByteSize() int64 {
	var size int64
	for _, m := range t.Members {
		size += m.Type.ByteSize()
		size = WordAlign(size)
	}
	return size
}

// Member returns the member with the given name, or nil.
func (t *StructType) Member(name string) *StructMember {
	for _, m := range t.Members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// AssignOffsets computes the byte offset of each member.
func (t *StructType) AssignOffsets() {
	var off int64
	for _, m := range t.Members {
		m.Offset = off
		off += m.Type.ByteSize()
		off = WordAlign(off)
	}
}

// EnumType is a nominal enumeration. Values are word-sized ordinals.
type EnumType struct {
	TypeName string
	Members  []string
}

func (t *EnumType) Kind() Kind      { return KindEnum }
func (t *EnumType) Name() string    { return t.TypeName }
func (t *EnumType) ByteSize() int64 { return WordSize }

// Ordinal returns the value of the named member, or -1.
func (t *EnumType) Ordinal(name string) int64 {
	for i, m := range t.Members {
		if m == name {
			return int64(i)
		}
	}
	return -1
}

// FuncType is the type of a function symbol.
type FuncType struct {
	TypeName   string
	ParamNames []string
	Params     []Type
	Return     Type
	Comptime   bool
}

func (t *FuncType) Kind() Kind   { return KindFunc }
func (t *FuncType) Name() string { return t.TypeName }

// ByteSize of a function type is meaningless; functions are not values.
func (t *FuncType) ByteSize() int64 { return 0 }

// ArrayType is a fixed-size array. Elements are stored word-aligned, so the
// array occupies Elements * WordAlign(element size) bytes.
type ArrayType struct {
	Elem     Type
	Elements int64
}

func (t *ArrayType) Kind() Kind   { return KindArray }
func (t *ArrayType) Name() string { return fmt.Sprintf("%s[%d]", t.Elem.Name(), t.Elements) }

func (t *ArrayType) ByteSize() int64 {
	return t.Elements * WordAlign(t.Elem.ByteSize())
}

// PointerType is a pointer to another type.
type PointerType struct {
	To Type
}

func (t *PointerType) Kind() Kind      { return KindPointer }
func (t *PointerType) Name() string    { return "^" + t.To.Name() }
func (t *PointerType) ByteSize() int64 { return WordSize }

// String renders a type for error messages.
func String(t Type) string {
	if t == nil {
		return "<unresolved>"
	}
	if f, ok := t.(*FuncType); ok {
		var sb strings.Builder
		sb.WriteString("func(")
		for i, p := range f.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(String(p))
		}
		sb.WriteString("): ")
		sb.WriteString(String(f.Return))
		return sb.String()
	}
	return t.Name()
}

// Equal reports whether two types are the same type. Nominal types compare
// by identity, arrays and pointers structurally.
func Equal(a, b Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	switch at := a.(type) {
	case *ArrayType:
		bt, ok := b.(*ArrayType)
		return ok && at.Elements == bt.Elements && Equal(at.Elem, bt.Elem)
	case *PointerType:
		bt, ok := b.(*PointerType)
		return ok && Equal(at.To, bt.To)
	}
	return false
}
