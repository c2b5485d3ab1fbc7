package expr

import (
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/sbe/vm"
)

// AccessorResolver binds slot ids to their physical accessors. Compilation
// happens at stage prepare time, after accessors have been bound, so the
// emitted bytecode references accessors directly.
type AccessorResolver interface {
	Accessor(id value.SlotID) (value.SlotAccessor, error)
}

// Compile translates e into a bytecode fragment. FieldPath nodes must have
// been rewritten by the stage builder beforehand; one surviving here is a
// builder contract violation.
func Compile(e Expression, resolver AccessorResolver) (*vm.CodeFragment, error) {
	code := vm.NewCodeFragment()
	if err := compileInto(code, e, resolver); err != nil {
		return nil, err
	}
	return code, nil
}

func compileInto(code *vm.CodeFragment, e Expression, resolver AccessorResolver) error {
	switch e := e.(type) {
	case *Constant:
		code.AppendConst(e.Value)
	case *Variable:
		acc, err := resolver.Accessor(e.Slot)
		if err != nil {
			return errors.Wrapf(err, "compiling reference to slot s%d", e.Slot)
		}
		code.AppendAccessor(acc)
	case *FieldPath:
		return errors.Errorf("unresolved field path $%s reached the compiler", e.Path)
	case *GetField:
		if err := compileInto(code, e.Input, resolver); err != nil {
			return err
		}
		code.AppendGetField(e.Field)
	case *Binary:
		if err := compileInto(code, e.Left, resolver); err != nil {
			return err
		}
		if err := compileInto(code, e.Right, resolver); err != nil {
			return err
		}
		appendBinaryOp(code, e.Op)
	case *Not:
		if err := compileInto(code, e.Input, resolver); err != nil {
			return err
		}
		code.AppendNot()
	case *FillEmpty:
		if err := compileInto(code, e.Input, resolver); err != nil {
			return err
		}
		if err := compileInto(code, e.Alt, resolver); err != nil {
			return err
		}
		code.AppendFillEmpty()
	case *If:
		if err := compileInto(code, e.Cond, resolver); err != nil {
			return err
		}
		elseJmp := code.AppendJmpFalseOrNothing()
		if err := compileInto(code, e.Then, resolver); err != nil {
			return err
		}
		endJmp := code.AppendJmp()
		code.FixupJmp(elseJmp)
		if err := compileInto(code, e.Else, resolver); err != nil {
			return err
		}
		code.FixupJmp(endJmp)
	case *Function:
		for _, a := range e.Args {
			if err := compileInto(code, a, resolver); err != nil {
				return err
			}
		}
		fn, err := vm.LookupBuiltin(e.Name)
		if err != nil {
			return err
		}
		code.AppendFunction(e.Name, fn, len(e.Args))
	default:
		return errors.Errorf("cannot compile expression of type %T", e)
	}
	return nil
}

func appendBinaryOp(code *vm.CodeFragment, op BinaryOp) {
	switch op {
	case OpAdd:
		code.AppendAdd()
	case OpSub:
		code.AppendSub()
	case OpMul:
		code.AppendMul()
	case OpDiv:
		code.AppendDiv()
	case OpEq:
		code.AppendCmpEq()
	case OpNe:
		code.AppendCmpNe()
	case OpLt:
		code.AppendCmpLt()
	case OpLe:
		code.AppendCmpLe()
	case OpGt:
		code.AppendCmpGt()
	case OpGe:
		code.AppendCmpGe()
	case OpAnd:
		code.AppendAnd()
	case OpOr:
		code.AppendOr()
	}
}
