package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders the image as a human-readable listing. source is the
// original program text; when non-empty, each instruction line is annotated
// with its source line number and, the first time a line appears, the
// source text itself. Instructions synthesized by the compiler carry no
// annotation.
//
// One line per instruction: offset and mnemonic with operands, right-padded
// to 24 columns, then the annotation.
func (im *Image) Disassemble(source string) string {
	sourceLines := strings.Split(source, "\n")

	var sb strings.Builder
	sb.WriteString("--- bytecode ---\n")

	linesWritten := make(map[int64]bool)
	offset := 0
	for offset < len(im.Code) {
		op := Opcode(im.Code[offset])
		line := im.SourceLines[offset]

		text := im.instructionString(op, offset)
		offset += op.InstructionLen()

		if line == NoLine {
			sb.WriteString(text)
			sb.WriteByte('\n')
			continue
		}

		if len(text) < 24 {
			text += strings.Repeat(" ", 24-len(text))
		}
		sb.WriteString(text)
		sb.WriteString(fmt.Sprintf("%-3d", line))
		if !linesWritten[line] && int(line) <= len(sourceLines) && line >= 1 {
			sb.WriteByte(' ')
			sb.WriteString(strings.TrimSpace(sourceLines[line-1]))
		}
		linesWritten[line] = true
		sb.WriteByte('\n')
	}

	sb.WriteString("--- bytecode end ---\n")
	return sb.String()
}

// instructionString renders one instruction without its annotation.
func (im *Image) instructionString(op Opcode, offset int) string {
	head := fmt.Sprintf("%04d %s", offset, op)
	operand := offset + 1

	switch op {
	case OpPrint:
		return fmt.Sprintf("%s args %d", head, im.Code[operand])
	case OpBiz, OpBnz:
		// Render the resolved target: displacements are relative to the
		// end of the instruction.
		q := im.QuarterAt(operand)
		return fmt.Sprintf("%s %d", head, int(q)+operand+QuarterSize)
	}

	switch op.Info().Operand {
	case OperandQuarter:
		return fmt.Sprintf("%s %d", head, im.QuarterAt(operand))
	case OperandWord:
		return fmt.Sprintf("%s %d", head, im.WordAt(operand))
	}
	return head
}
