// Package expr defines the typed expression language consumed by the stage
// builder and compiled into vm bytecode: field access, arithmetic,
// comparisons, logic, and builtin function calls.
package expr

import (
	"fmt"
	"strings"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// ExpressionType represents the kind of an expression node.
type ExpressionType uint32

const (
	_ ExpressionType = iota // zero-value is an invalid type

	ExprTypeConstant
	ExprTypeVariable
	ExprTypeFieldPath
	ExprTypeGetField
	ExprTypeBinary
	ExprTypeNot
	ExprTypeFillEmpty
	ExprTypeIf
	ExprTypeFunction
)

// String returns the string representation of the [ExpressionType].
func (t ExpressionType) String() string {
	switch t {
	case ExprTypeConstant:
		return "Constant"
	case ExprTypeVariable:
		return "Variable"
	case ExprTypeFieldPath:
		return "FieldPath"
	case ExprTypeGetField:
		return "GetField"
	case ExprTypeBinary:
		return "Binary"
	case ExprTypeNot:
		return "Not"
	case ExprTypeFillEmpty:
		return "FillEmpty"
	case ExprTypeIf:
		return "If"
	case ExprTypeFunction:
		return "Function"
	default:
		panic(fmt.Sprintf("unknown expression type %d", t))
	}
}

// Expression is the common interface for all expression nodes.
type Expression interface {
	fmt.Stringer
	Type() ExpressionType
	isExpr()
}

// BinaryOp enumerates the binary operators.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

func (o BinaryOp) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAnd:
		return "&&"
	case OpOr:
		return "||"
	default:
		panic(fmt.Sprintf("unknown binary op %d", o))
	}
}

// Constant is a literal value.
type Constant struct {
	Value value.Value
}

func NewConstant(v value.Value) *Constant { return &Constant{Value: v} }

func (*Constant) Type() ExpressionType { return ExprTypeConstant }
func (*Constant) isExpr()              {}
func (e *Constant) String() string     { return e.Value.String() }

// Variable reads a slot.
type Variable struct {
	Slot value.SlotID
}

func NewVariable(id value.SlotID) *Variable { return &Variable{Slot: id} }

func (*Variable) Type() ExpressionType { return ExprTypeVariable }
func (*Variable) isExpr()              {}
func (e *Variable) String() string     { return fmt.Sprintf("s%d", e.Slot) }

// FieldPath references a (possibly dotted) document path. FieldPath nodes
// only appear in logical expressions; the stage builder rewrites them to slot
// variables or GetField chains before compilation, and the compiler rejects
// any that survive.
type FieldPath struct {
	Path string
}

func NewFieldPath(path string) *FieldPath { return &FieldPath{Path: path} }

func (*FieldPath) Type() ExpressionType { return ExprTypeFieldPath }
func (*FieldPath) isExpr()              {}
func (e *FieldPath) String() string     { return "$" + e.Path }

// GetField extracts a single field from the object produced by Input.
type GetField struct {
	Input Expression
	Field string
}

func NewGetField(input Expression, field string) *GetField {
	return &GetField{Input: input, Field: field}
}

func (*GetField) Type() ExpressionType { return ExprTypeGetField }
func (*GetField) isExpr()              {}
func (e *GetField) String() string {
	return fmt.Sprintf("getField(%s, %q)", e.Input, e.Field)
}

// Binary applies a binary operator.
type Binary struct {
	Op    BinaryOp
	Left  Expression
	Right Expression
}

func NewBinary(op BinaryOp, left, right Expression) *Binary {
	return &Binary{Op: op, Left: left, Right: right}
}

func (*Binary) Type() ExpressionType { return ExprTypeBinary }
func (*Binary) isExpr()              {}
func (e *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

// Not negates a boolean input.
type Not struct {
	Input Expression
}

func NewNot(input Expression) *Not { return &Not{Input: input} }

func (*Not) Type() ExpressionType { return ExprTypeNot }
func (*Not) isExpr()              {}
func (e *Not) String() string     { return fmt.Sprintf("!(%s)", e.Input) }

// FillEmpty yields Input unless it is Nothing, in which case it yields Alt.
// This is the `?:` operator the group builder uses for the Nothing-to-Null
// compatibility shim.
type FillEmpty struct {
	Input Expression
	Alt   Expression
}

func NewFillEmpty(input, alt Expression) *FillEmpty {
	return &FillEmpty{Input: input, Alt: alt}
}

// NewFillEmptyNull wraps input so that a Nothing result collapses to Null.
func NewFillEmptyNull(input Expression) *FillEmpty {
	return NewFillEmpty(input, NewConstant(value.Null()))
}

func (*FillEmpty) Type() ExpressionType { return ExprTypeFillEmpty }
func (*FillEmpty) isExpr()              {}
func (e *FillEmpty) String() string     { return fmt.Sprintf("(%s ?: %s)", e.Input, e.Alt) }

// If is a conditional expression. A non-boolean condition selects Else.
type If struct {
	Cond Expression
	Then Expression
	Else Expression
}

func NewIf(cond, then, els Expression) *If { return &If{Cond: cond, Then: then, Else: els} }

func (*If) Type() ExpressionType { return ExprTypeIf }
func (*If) isExpr()              {}
func (e *If) String() string {
	return fmt.Sprintf("if %s then %s else %s", e.Cond, e.Then, e.Else)
}

// Function calls a named vm builtin.
type Function struct {
	Name string
	Args []Expression
}

func NewFunction(name string, args ...Expression) *Function {
	return &Function{Name: name, Args: args}
}

func (*Function) Type() ExpressionType { return ExprTypeFunction }
func (*Function) isExpr()              {}
func (e *Function) String() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Name, strings.Join(parts, ", "))
}
