// Package bloodtype holds the ABO/Rh blood groups and the fixed donor
// compatibility table used by matching.
package bloodtype

import (
	"errors"
	"strings"
)

// Type is one of the eight standard ABO/Rh groups, e.g. "O-" or "AB+".
type Type string

const (
	ONeg  Type = "O-"
	OPos  Type = "O+"
	ANeg  Type = "A-"
	APos  Type = "A+"
	BNeg  Type = "B-"
	BPos  Type = "B+"
	ABNeg Type = "AB-"
	ABPos Type = "AB+"
)

// ErrUnknown is returned by Parse for anything outside the eight groups.
var ErrUnknown = errors.New("unknown blood type")

// All lists the groups in a stable order.
var All = []Type{ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos}

// recipient -> donors allowed to supply it. Built once, never written.
var compatibility = map[Type][]Type{
	ONeg:  {ONeg},
	OPos:  {ONeg, OPos},
	ANeg:  {ONeg, ANeg},
	APos:  {ONeg, OPos, ANeg, APos},
	BNeg:  {ONeg, BNeg},
	BPos:  {ONeg, OPos, BNeg, BPos},
	ABNeg: {ONeg, ANeg, BNeg, ABNeg},
	ABPos: {ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos},
}

// Parse normalises user input ("ab+", " O- ") into a Type.
func Parse(raw string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := compatibility[t]; !ok {
		return "", ErrUnknown
	}
	return t, nil
}

// Valid reports whether t is one of the eight groups.
func (t Type) Valid() bool {
	_, ok := compatibility[t]
	return ok
}

func (t Type) String() string { return string(t) }

// CompatibleDonors returns the donor groups that may supply recipient. An
// unknown recipient yields an empty slice. The result is a copy.
func CompatibleDonors(recipient Type) []Type {
	donors := compatibility[recipient]
	out := make([]Type, len(donors))
	copy(out, donors)
	return out
}

// CanDonate reports whether a donor of group donor may supply recipient.
func CanDonate(donor, recipient Type) bool {
	for _, d := range compatibility[recipient] {
		if d == donor {
			return true
		}
	}
	return false
}
