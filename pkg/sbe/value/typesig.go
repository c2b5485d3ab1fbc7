package value

import "strings"

// TypeSignature is a bitset of the type tags a slot's value may hold at
// runtime. Signatures are computed at compile time and used to pick
// specialized code paths.
type TypeSignature uint32

const (
	SigNothing   TypeSignature = 1 << TagNothing
	SigNull      TypeSignature = 1 << TagNull
	SigBool      TypeSignature = 1 << TagBool
	SigInt64     TypeSignature = 1 << TagInt64
	SigDouble    TypeSignature = 1 << TagDouble
	SigString    TypeSignature = 1 << TagString
	SigObject    TypeSignature = 1 << TagObject
	SigArray     TypeSignature = 1 << TagArray
	SigRecordID  TypeSignature = 1 << TagRecordID
	SigTimestamp TypeSignature = 1 << TagTimestamp

	SigNumeric   = SigInt64 | SigDouble
	SigAnyScalar = SigNothing | SigNull | SigBool | SigNumeric | SigString | SigTimestamp
	SigAny       = TypeSignature(1<<numTypeTags) - 1
)

// SignatureOf returns the singleton signature for a tag.
func SignatureOf(t TypeTag) TypeSignature { return 1 << t }

// Include returns the union of s and other.
func (s TypeSignature) Include(other TypeSignature) TypeSignature { return s | other }

// Intersect returns the intersection of s and other.
func (s TypeSignature) Intersect(other TypeSignature) TypeSignature { return s & other }

// IsSubset reports whether every tag allowed by s is also allowed by other.
func (s TypeSignature) IsSubset(other TypeSignature) bool { return s&^other == 0 }

// CanBe reports whether the signature admits the given tag.
func (s TypeSignature) CanBe(t TypeTag) bool { return s&(1<<t) != 0 }

func (s TypeSignature) String() string {
	if s == SigAny {
		return "any"
	}
	var parts []string
	for t := TypeTag(0); t < numTypeTags; t++ {
		if s.CanBe(t) {
			parts = append(parts, t.String())
		}
	}
	return strings.Join(parts, "|")
}
