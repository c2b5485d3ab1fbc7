package value

// SlotID names a typed runtime register. Slots are allocated once by a
// monotonic [SlotIDGenerator] at compile time and never reused within one
// compiled tree.
type SlotID int64

// TypedSlot pairs a slot id with its compile-time type signature.
type TypedSlot struct {
	ID  SlotID
	Sig TypeSignature
}

// NewTypedSlot returns a typed slot with the widest signature.
func NewTypedSlot(id SlotID) TypedSlot { return TypedSlot{ID: id, Sig: SigAny} }

// SlotIDGenerator hands out monotonically increasing slot ids.
type SlotIDGenerator struct {
	next SlotID
}

func NewSlotIDGenerator() *SlotIDGenerator { return &SlotIDGenerator{next: 1} }

// Generate allocates the next slot id.
func (g *SlotIDGenerator) Generate() SlotID {
	id := g.next
	g.next++
	return id
}

// SlotAccessor is a polymorphic cell exposing the current value of a slot.
// The returned value may be a view into a buffer owned by the accessor's
// producer; it is invalid after the producer advances or yields unless it was
// made owned.
type SlotAccessor interface {
	// Get returns a view of the current value.
	Get() Value
}

// OwnedAccessor is a slot accessor whose value is owned by the stage holding
// it. It is the value holder bound to most intermediate slots.
type OwnedAccessor struct {
	v Value
}

var _ SlotAccessor = (*OwnedAccessor)(nil)

func (a *OwnedAccessor) Get() Value { return a.v }

// Set stores v as-is. The accessor takes no copy; if v is a view, call
// [OwnedAccessor.MakeOwned] before any yield boundary.
func (a *OwnedAccessor) Set(v Value) { a.v = v }

// Reset clears the accessor back to Nothing.
func (a *OwnedAccessor) Reset() { a.v = Nothing() }

// MakeOwned converts the held value to owned form so it survives a storage
// cursor yield.
func (a *OwnedAccessor) MakeOwned() { a.v = a.v.MakeOwned() }

// SwitchAccessor forwards to whichever accessor is currently active. Union
// stages use it to expose one output slot backed by the open branch.
type SwitchAccessor struct {
	accessors []SlotAccessor
	index     int
}

var _ SlotAccessor = (*SwitchAccessor)(nil)

func NewSwitchAccessor(accessors ...SlotAccessor) *SwitchAccessor {
	return &SwitchAccessor{accessors: accessors}
}

func (a *SwitchAccessor) Get() Value {
	if a.index < 0 || a.index >= len(a.accessors) {
		return Nothing()
	}
	return a.accessors[a.index].Get()
}

// SetIndex selects the active backing accessor.
func (a *SwitchAccessor) SetIndex(i int) { a.index = i }
