package matching

import (
	"sort"

	"bloodnet.org/internal/bloodtype"
)

// Eligible reports whether donor may be offered req. All conditions are required.
func Eligible(donor User, req BloodRequest) bool {
	switch {
	case !donor.HasRole(RoleDonor):
		return false
	case !donor.Available:
		return false
	case !bloodtype.CanDonate(donor.BloodType, req.BloodType):
		return false
	case donor.ID == req.RequesterID:
		return false
	case donor.RegisteredAt == nil:
		return false
	}
	return true
}

// RankCandidates filters candidates down to the eligible donors for req and
// orders them earliest-registered first. ID breaks timestamp ties so the
// order is total.
func RankCandidates(candidates []User, req BloodRequest) []User {
	out := make([]User, 0, len(candidates))
	for _, c := range candidates {
		if Eligible(c, req) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].RegisteredAt, out[j].RegisteredAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectDonor returns the head of the ranked candidate list.
func SelectDonor(candidates []User, req BloodRequest) (User, bool) {
	ranked := RankCandidates(candidates, req)
	if len(ranked) == 0 {
		return User{}, false
	}
	return ranked[0], true
}
