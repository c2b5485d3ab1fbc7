package vm

import (
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
)

// LookupBuiltin resolves a builtin by name. Unknown names are a compiler bug,
// not a runtime user error.
func LookupBuiltin(name string) (Builtin, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, errors.Errorf("unknown builtin function %q", name)
	}
	return fn, nil
}

var builtins = map[string]Builtin{
	"newObj":   builtinNewObj,
	"newArray": builtinNewArray,
	"isObject": builtinIsObject,
	"isArray":  builtinIsArray,
	"isNumber": builtinIsNumber,
	"exists":   builtinExists,
	"setField": builtinSetField,
	"aggSum":   builtinAggSum,
	"aggMin":   builtinAggMin,
	"aggMax":   builtinAggMax,
}

// builtinNewObj builds an object from (name, value) argument pairs. Fields
// whose value is Nothing are omitted, which is what lets covered plans skip
// materializing missing fields.
func builtinNewObj(args []value.Value) (value.Value, error) {
	if len(args)%2 != 0 {
		return value.Nothing(), errors.New("newObj requires an even number of arguments")
	}
	obj := value.NewObjectValue()
	for i := 0; i < len(args); i += 2 {
		if args[i].Tag() != value.TagString {
			return value.Nothing(), errors.Errorf("newObj field name must be a string, got %s", args[i].Tag())
		}
		if args[i+1].IsNothing() {
			continue
		}
		obj.Set(args[i].StringValue(), args[i+1])
	}
	return value.NewObject(obj), nil
}

func builtinNewArray(args []value.Value) (value.Value, error) {
	arr := value.NewArrayValue()
	for _, a := range args {
		if a.IsNothing() {
			a = value.Null()
		}
		arr.Push(a)
	}
	return value.NewArray(arr), nil
}

func builtinIsObject(args []value.Value) (value.Value, error) {
	if args[0].IsNothing() {
		return value.Nothing(), nil
	}
	return value.NewBool(args[0].Tag() == value.TagObject), nil
}

func builtinIsArray(args []value.Value) (value.Value, error) {
	if args[0].IsNothing() {
		return value.Nothing(), nil
	}
	return value.NewBool(args[0].Tag() == value.TagArray), nil
}

func builtinIsNumber(args []value.Value) (value.Value, error) {
	if args[0].IsNothing() {
		return value.Nothing(), nil
	}
	return value.NewBool(args[0].IsNumber()), nil
}

func builtinExists(args []value.Value) (value.Value, error) {
	return value.NewBool(!args[0].IsNothing()), nil
}

// builtinSetField returns a copy of an object with one field overwritten.
// Setting a field to Nothing drops it, which is how deferred result
// materialization applies both overwrites and removals.
func builtinSetField(args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Nothing(), errors.New("setField requires exactly 3 arguments")
	}
	obj, name, val := args[0], args[1], args[2]
	if obj.Tag() != value.TagObject {
		return value.Nothing(), nil
	}
	if name.Tag() != value.TagString {
		return value.Nothing(), errors.Errorf("setField field name must be a string, got %s", name.Tag())
	}
	out := obj.Object().Clone()
	if val.IsNothing() {
		out.Remove(name.StringValue())
	} else {
		out.Set(name.StringValue(), val)
	}
	return value.NewObject(out), nil
}

// builtinAggSum folds one value into a running sum, ignoring non-numeric
// input. Integer sums stay integral until a double enters or the running
// total overflows int64, at which point the sum widens to double.
func builtinAggSum(args []value.Value) (value.Value, error) {
	state, in := args[0], args[1]
	if !in.IsNumber() {
		return state, nil
	}
	if state.IsNothing() {
		return in, nil
	}
	if !state.IsNumber() {
		return state, nil
	}
	if state.Tag() == value.TagInt64 && in.Tag() == value.TagInt64 {
		a, b := state.Int64(), in.Int64()
		if sum := a + b; b == 0 || (sum > a) == (b > 0) {
			return value.NewInt64(sum), nil
		}
		return value.NewDouble(float64(a) + float64(b)), nil
	}
	return value.NewDouble(state.Numeric() + in.Numeric()), nil
}

func builtinAggMin(args []value.Value) (value.Value, error) {
	return aggCompare(args[0], args[1], -1), nil
}

func builtinAggMax(args []value.Value) (value.Value, error) {
	return aggCompare(args[0], args[1], 1), nil
}

// aggCompare keeps whichever of state and in wins the comparison. Nothing
// and null inputs never displace an existing state.
func aggCompare(state, in value.Value, want int) value.Value {
	if in.IsNothing() || in.IsNull() {
		return state
	}
	if state.IsNothing() || state.IsNull() {
		return in
	}
	if c := value.Compare(in, state); c == want {
		return in
	}
	return state
}
