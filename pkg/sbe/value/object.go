package value

import "strings"

// Field is one named entry of an [Object].
type Field struct {
	Name string
	Val  Value
}

// Object is an ordered document. Field order is insertion order and is
// preserved by Clone and MakeOwned; lookups are linear, which is fine for the
// small documents the engine materializes per row.
type Object struct {
	fields []Field
}

func NewObjectValue() *Object { return &Object{} }

// Set appends the field, or overwrites it in place if the name already exists.
func (o *Object) Set(name string, v Value) {
	for i := range o.fields {
		if o.fields[i].Name == name {
			o.fields[i].Val = v
			return
		}
	}
	o.fields = append(o.fields, Field{Name: name, Val: v})
}

// Get returns the value of the named field, if present.
func (o *Object) Get(name string) (Value, bool) {
	for i := range o.fields {
		if o.fields[i].Name == name {
			return o.fields[i].Val, true
		}
	}
	return Nothing(), false
}

// GetPath resolves a dotted path, descending through nested objects.
// A missing component yields Nothing.
func (o *Object) GetPath(path string) Value {
	cur := o
	for {
		dot := strings.IndexByte(path, '.')
		if dot < 0 {
			v, ok := cur.Get(path)
			if !ok {
				return Nothing()
			}
			return v
		}
		v, ok := cur.Get(path[:dot])
		if !ok || v.Tag() != TagObject {
			return Nothing()
		}
		cur = v.Object()
		path = path[dot+1:]
	}
}

// Remove deletes the named field if present.
func (o *Object) Remove(name string) {
	for i := range o.fields {
		if o.fields[i].Name == name {
			o.fields = append(o.fields[:i], o.fields[i+1:]...)
			return
		}
	}
}

func (o *Object) Len() int { return len(o.fields) }

// FieldAt returns the i-th field in insertion order.
func (o *Object) FieldAt(i int) (string, Value) {
	return o.fields[i].Name, o.fields[i].Val
}

// Clone returns a shallow copy; nested objects and arrays are shared.
func (o *Object) Clone() *Object {
	cp := &Object{fields: make([]Field, len(o.fields))}
	copy(cp.fields, o.fields)
	return cp
}

func (o *Object) owned() bool {
	for i := range o.fields {
		if !o.fields[i].Val.Owned() {
			return false
		}
	}
	return true
}

// MakeOwned returns a deep copy whose values own their payloads.
func (o *Object) MakeOwned() *Object {
	cp := &Object{fields: make([]Field, len(o.fields))}
	for i := range o.fields {
		cp.fields[i] = Field{Name: o.fields[i].Name, Val: o.fields[i].Val.MakeOwned()}
	}
	return cp
}

func (o *Object) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i := range o.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(o.fields[i].Name)
		sb.WriteString(": ")
		sb.WriteString(o.fields[i].Val.String())
	}
	sb.WriteByte('}')
	return sb.String()
}

// Array is an ordered list of values.
type Array struct {
	elems []Value
}

func NewArrayValue() *Array { return &Array{} }

func (a *Array) Push(v Value) { a.elems = append(a.elems, v) }

func (a *Array) At(i int) Value { return a.elems[i] }

func (a *Array) Len() int { return len(a.elems) }

func (a *Array) owned() bool {
	for i := range a.elems {
		if !a.elems[i].Owned() {
			return false
		}
	}
	return true
}

// MakeOwned returns a deep copy whose values own their payloads.
func (a *Array) MakeOwned() *Array {
	cp := &Array{elems: make([]Value, len(a.elems))}
	for i := range a.elems {
		cp.elems[i] = a.elems[i].MakeOwned()
	}
	return cp
}

func (a *Array) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i := range a.elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.elems[i].String())
	}
	sb.WriteByte(']')
	return sb.String()
}
