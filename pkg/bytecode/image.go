package bytecode

import (
	"encoding/binary"
	"fmt"
)

// MaxCodeSize bounds the code section of an image. Exceeding it is a
// compile error, not a panic.
const MaxCodeSize = 1 << 20

// NoLine marks instructions that were synthesized by the compiler and have
// no originating source line.
const NoLine int64 = -1

// Image is a flat bytecode program: the code byte stream plus a parallel
// slice mapping each code byte to the source line it was generated from.
// Every byte in Code is either an opcode at an instruction boundary or part
// of the immediate of the opcode preceding it; the disassembler
// reconstructs boundaries purely from opcodes.
type Image struct {
	Code        []byte
	SourceLines []int64
}

func NewImage() *Image {
	return &Image{
		Code:        make([]byte, 0, 256),
		SourceLines: make([]int64, 0, 256),
	}
}

// Offset returns the current write cursor, which is also the offset the
// next emitted instruction will have.
func (im *Image) Offset() int {
	return len(im.Code)
}

// Emit appends an opcode and returns the offset of the byte after it, which
// is where any immediate will be written. line is the originating source
// line, or NoLine.
func (im *Image) Emit(op Opcode, line int64) int {
	im.append(byte(op), line)
	return len(im.Code)
}

// EmitByte appends a raw operand byte (the PRINT argument count).
func (im *Image) EmitByte(b byte, line int64) {
	im.append(b, line)
}

// EmitWord appends an immediate word in little-endian byte order.
func (im *Image) EmitWord(w Word) int {
	line := im.lastLine()
	var buf [WordSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(w))
	for _, b := range buf {
		im.append(b, line)
	}
	return len(im.Code)
}

// EmitQuarter appends an immediate quarter in little-endian byte order.
func (im *Image) EmitQuarter(q Quarter) int {
	line := im.lastLine()
	var buf [QuarterSize]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(q))
	for _, b := range buf {
		im.append(b, line)
	}
	return len(im.Code)
}

// PatchWord overwrites the word at a previously emitted offset.
func (im *Image) PatchWord(offset int, w Word) {
	binary.LittleEndian.PutUint64(im.Code[offset:], uint64(w))
}

// PatchQuarter overwrites the quarter at a previously emitted offset.
func (im *Image) PatchQuarter(offset int, q Quarter) {
	binary.LittleEndian.PutUint16(im.Code[offset:], uint16(q))
}

// WordAt reads the word encoded at the given offset.
func (im *Image) WordAt(offset int) Word {
	return Word(binary.LittleEndian.Uint64(im.Code[offset:]))
}

// QuarterAt reads the quarter encoded at the given offset.
func (im *Image) QuarterAt(offset int) Quarter {
	return Quarter(binary.LittleEndian.Uint16(im.Code[offset:]))
}

// CheckSize returns an error if the image has outgrown MaxCodeSize.
// Emitters append freely; the code generator calls this once per produced
// image.
func (im *Image) CheckSize() error {
	if len(im.Code) > MaxCodeSize {
		return fmt.Errorf("bytecode image is %d bytes, the limit is %d", len(im.Code), MaxCodeSize)
	}
	return nil
}

func (im *Image) append(b byte, line int64) {
	im.Code = append(im.Code, b)
	im.SourceLines = append(im.SourceLines, line)
}

// lastLine is the line of the most recently emitted byte, so immediates
// inherit the line of their opcode.
func (im *Image) lastLine() int64 {
	if len(im.SourceLines) == 0 {
		return NoLine
	}
	return im.SourceLines[len(im.SourceLines)-1]
}
