// Package vm implements the linear bytecode the expression compiler targets,
// and the stack interpreter that executes it against slot accessors.
package vm

import (
	"fmt"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

type opcode uint8

const (
	opInvalid opcode = iota
	opPushConst
	opPushAccessor
	opGetField
	opAdd
	opSub
	opMul
	opDiv
	opCmpEq
	opCmpNe
	opCmpLt
	opCmpLe
	opCmpGt
	opCmpGe
	opAnd
	opOr
	opNot
	opFillEmpty
	opJmp
	opJmpFalseOrNothing
	opFunction
)

func (o opcode) String() string {
	switch o {
	case opPushConst:
		return "pushConst"
	case opPushAccessor:
		return "pushSlot"
	case opGetField:
		return "getField"
	case opAdd:
		return "add"
	case opSub:
		return "sub"
	case opMul:
		return "mul"
	case opDiv:
		return "div"
	case opCmpEq:
		return "eq"
	case opCmpNe:
		return "ne"
	case opCmpLt:
		return "lt"
	case opCmpLe:
		return "le"
	case opCmpGt:
		return "gt"
	case opCmpGe:
		return "ge"
	case opAnd:
		return "and"
	case opOr:
		return "or"
	case opNot:
		return "not"
	case opFillEmpty:
		return "fillEmpty"
	case opJmp:
		return "jmp"
	case opJmpFalseOrNothing:
		return "jmpFalseOrNothing"
	case opFunction:
		return "function"
	default:
		return "invalid"
	}
}

type instruction struct {
	op    opcode
	val   value.Value        // opPushConst
	acc   value.SlotAccessor // opPushAccessor
	field string             // opGetField
	off   int                // jump offset, relative to the next instruction
	fn    Builtin            // opFunction
	fname string             // opFunction, for diagnostics
	argc  int                // opFunction
}

// Builtin is a VM-callable function. Builtins receive fully evaluated
// arguments and must not retain the argument slice.
type Builtin func(args []value.Value) (value.Value, error)

// CodeFragment is an appendable unit of bytecode. Fragments are composed by
// the expression compiler and executed by [ByteCode.Run].
type CodeFragment struct {
	instrs []instruction
}

func NewCodeFragment() *CodeFragment { return &CodeFragment{} }

// Len returns the number of instructions in the fragment.
func (c *CodeFragment) Len() int { return len(c.instrs) }

// Append concatenates other onto c.
func (c *CodeFragment) Append(other *CodeFragment) {
	c.instrs = append(c.instrs, other.instrs...)
}

func (c *CodeFragment) AppendConst(v value.Value) {
	c.instrs = append(c.instrs, instruction{op: opPushConst, val: v})
}

func (c *CodeFragment) AppendAccessor(acc value.SlotAccessor) {
	c.instrs = append(c.instrs, instruction{op: opPushAccessor, acc: acc})
}

func (c *CodeFragment) AppendGetField(field string) {
	c.instrs = append(c.instrs, instruction{op: opGetField, field: field})
}

func (c *CodeFragment) AppendAdd() { c.append(opAdd) }
func (c *CodeFragment) AppendSub() { c.append(opSub) }
func (c *CodeFragment) AppendMul() { c.append(opMul) }
func (c *CodeFragment) AppendDiv() { c.append(opDiv) }

func (c *CodeFragment) AppendCmpEq() { c.append(opCmpEq) }
func (c *CodeFragment) AppendCmpNe() { c.append(opCmpNe) }
func (c *CodeFragment) AppendCmpLt() { c.append(opCmpLt) }
func (c *CodeFragment) AppendCmpLe() { c.append(opCmpLe) }
func (c *CodeFragment) AppendCmpGt() { c.append(opCmpGt) }
func (c *CodeFragment) AppendCmpGe() { c.append(opCmpGe) }

func (c *CodeFragment) AppendAnd() { c.append(opAnd) }
func (c *CodeFragment) AppendOr()  { c.append(opOr) }
func (c *CodeFragment) AppendNot() { c.append(opNot) }

func (c *CodeFragment) AppendFillEmpty() { c.append(opFillEmpty) }

func (c *CodeFragment) AppendFunction(name string, fn Builtin, argc int) {
	c.instrs = append(c.instrs, instruction{op: opFunction, fn: fn, fname: name, argc: argc})
}

// AppendJmp appends an unconditional jump and returns the index of the
// instruction for later fixup via [CodeFragment.FixupJmp].
func (c *CodeFragment) AppendJmp() int {
	c.instrs = append(c.instrs, instruction{op: opJmp})
	return len(c.instrs) - 1
}

// AppendJmpFalseOrNothing appends a conditional jump taken when the popped
// condition is false, Nothing, or non-boolean.
func (c *CodeFragment) AppendJmpFalseOrNothing() int {
	c.instrs = append(c.instrs, instruction{op: opJmpFalseOrNothing})
	return len(c.instrs) - 1
}

// FixupJmp points the jump at instruction idx to the current end of the
// fragment.
func (c *CodeFragment) FixupJmp(idx int) {
	c.instrs[idx].off = len(c.instrs) - idx - 1
}

func (c *CodeFragment) append(op opcode) {
	c.instrs = append(c.instrs, instruction{op: op})
}

// ByteCode is the interpreter. It is not safe for concurrent use; each plan
// tree owns its own instance.
type ByteCode struct {
	stack []value.Value
}

func NewByteCode() *ByteCode { return &ByteCode{} }

// Run executes the fragment and returns the single value left on the stack.
func (b *ByteCode) Run(code *CodeFragment) (value.Value, error) {
	b.stack = b.stack[:0]
	instrs := code.instrs
	for ip := 0; ip < len(instrs); ip++ {
		in := &instrs[ip]
		switch in.op {
		case opPushConst:
			b.push(in.val)
		case opPushAccessor:
			b.push(in.acc.Get())
		case opGetField:
			v := b.pop()
			if v.Tag() != value.TagObject {
				b.push(value.Nothing())
				break
			}
			fv, ok := v.Object().Get(in.field)
			if !ok {
				b.push(value.Nothing())
				break
			}
			b.push(fv)
		case opAdd, opSub, opMul, opDiv:
			r := b.pop()
			l := b.pop()
			b.push(arith(in.op, l, r))
		case opCmpEq, opCmpNe, opCmpLt, opCmpLe, opCmpGt, opCmpGe:
			r := b.pop()
			l := b.pop()
			b.push(compare(in.op, l, r))
		case opAnd:
			r := b.pop()
			l := b.pop()
			b.push(logicAnd(l, r))
		case opOr:
			r := b.pop()
			l := b.pop()
			b.push(logicOr(l, r))
		case opNot:
			v := b.pop()
			if v.Tag() != value.TagBool {
				b.push(value.Nothing())
				break
			}
			b.push(value.NewBool(!v.Bool()))
		case opFillEmpty:
			alt := b.pop()
			v := b.pop()
			if v.IsNothing() {
				b.push(alt)
			} else {
				b.push(v)
			}
		case opJmp:
			ip += in.off
		case opJmpFalseOrNothing:
			v := b.pop()
			if v.Tag() != value.TagBool || !v.Bool() {
				ip += in.off
			}
		case opFunction:
			args := b.stack[len(b.stack)-in.argc:]
			res, err := in.fn(args)
			if err != nil {
				return value.Nothing(), fmt.Errorf("builtin %s: %w", in.fname, err)
			}
			b.stack = b.stack[:len(b.stack)-in.argc]
			b.push(res)
		default:
			return value.Nothing(), fmt.Errorf("invalid opcode %d at %d", in.op, ip)
		}
	}
	if len(b.stack) != 1 {
		return value.Nothing(), fmt.Errorf("corrupt bytecode: stack depth %d at exit", len(b.stack))
	}
	return b.stack[0], nil
}

// RunPredicate executes the fragment and coerces the result to a boolean
// filter decision: only a true boolean passes.
func (b *ByteCode) RunPredicate(code *CodeFragment) (bool, error) {
	v, err := b.Run(code)
	if err != nil {
		return false, err
	}
	return v.Tag() == value.TagBool && v.Bool(), nil
}

func (b *ByteCode) push(v value.Value) { b.stack = append(b.stack, v) }

func (b *ByteCode) pop() value.Value {
	v := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return v
}

func arith(op opcode, l, r value.Value) value.Value {
	if l.IsNothing() || r.IsNothing() {
		return value.Nothing()
	}
	if l.IsNull() || r.IsNull() {
		return value.Null()
	}
	if !l.IsNumber() || !r.IsNumber() {
		return value.Nothing()
	}
	if l.Tag() == value.TagInt64 && r.Tag() == value.TagInt64 && op != opDiv {
		a, b := l.Int64(), r.Int64()
		switch op {
		case opAdd:
			return value.NewInt64(a + b)
		case opSub:
			return value.NewInt64(a - b)
		case opMul:
			return value.NewInt64(a * b)
		}
	}
	a, b := l.Numeric(), r.Numeric()
	switch op {
	case opAdd:
		return value.NewDouble(a + b)
	case opSub:
		return value.NewDouble(a - b)
	case opMul:
		return value.NewDouble(a * b)
	case opDiv:
		if b == 0 {
			return value.Nothing()
		}
		return value.NewDouble(a / b)
	}
	return value.Nothing()
}

func compare(op opcode, l, r value.Value) value.Value {
	if l.IsNothing() || r.IsNothing() {
		return value.Nothing()
	}
	switch op {
	case opCmpEq:
		return value.NewBool(value.Equal(l, r))
	case opCmpNe:
		return value.NewBool(!value.Equal(l, r))
	}
	// Ordered comparisons require both operands in the same type class.
	if !sameTypeClass(l, r) {
		return value.Nothing()
	}
	c := value.Compare(l, r)
	switch op {
	case opCmpLt:
		return value.NewBool(c < 0)
	case opCmpLe:
		return value.NewBool(c <= 0)
	case opCmpGt:
		return value.NewBool(c > 0)
	case opCmpGe:
		return value.NewBool(c >= 0)
	}
	return value.Nothing()
}

func sameTypeClass(l, r value.Value) bool {
	if l.IsNumber() && r.IsNumber() {
		return true
	}
	return l.Tag() == r.Tag()
}

func logicAnd(l, r value.Value) value.Value {
	lb, lok := asBool(l)
	rb, rok := asBool(r)
	switch {
	case lok && !lb, rok && !rb:
		return value.NewBool(false)
	case lok && rok:
		return value.NewBool(true)
	default:
		return value.Nothing()
	}
}

func logicOr(l, r value.Value) value.Value {
	lb, lok := asBool(l)
	rb, rok := asBool(r)
	switch {
	case lok && lb, rok && rb:
		return value.NewBool(true)
	case lok && rok:
		return value.NewBool(false)
	default:
		return value.Nothing()
	}
}

func asBool(v value.Value) (bool, bool) {
	if v.Tag() != value.TagBool {
		return false, false
	}
	return v.Bool(), true
}
