package models

import "slices"

// Filter selects contacts matching ANY of its non-empty sets. Soft-deleted
// contacts are excluded unless IncludeDeleted is set.
type Filter struct {
	IDs            []int64
	LinkedIDs      []int64
	Emails         []string
	PhoneNumbers   []string
	IncludeDeleted bool
}

// IsEmpty reports whether the filter has no predicates; an empty filter
// matches nothing.
func (f Filter) IsEmpty() bool {
	return len(f.IDs) == 0 && len(f.LinkedIDs) == 0 && len(f.Emails) == 0 && len(f.PhoneNumbers) == 0
}

// Matches evaluates the filter against c in memory.
func (f Filter) Matches(c *Contact) bool {
	if c.IsDeleted() && !f.IncludeDeleted {
		return false
	}
	if slices.Contains(f.IDs, c.ID) {
		return true
	}
	if c.LinkedID != nil && slices.Contains(f.LinkedIDs, *c.LinkedID) {
		return true
	}
	if c.Email != nil && slices.Contains(f.Emails, *c.Email) {
		return true
	}
	if c.PhoneNumber != nil && slices.Contains(f.PhoneNumbers, *c.PhoneNumber) {
		return true
	}
	return false
}

// MatchFilter selects contacts sharing the request's email or phone number.
func MatchFilter(req IdentifyRequest) Filter {
	var f Filter
	if req.Email != "" {
		f.Emails = []string{req.Email}
	}
	if req.PhoneNumber != "" {
		f.PhoneNumbers = []string{req.PhoneNumber}
	}
	return f
}

// ClusterFilter selects the primary, everything linked to it, and anything
// still matching the request fields.
func ClusterFilter(primaryID int64, req IdentifyRequest) Filter {
	f := MatchFilter(req)
	f.IDs = []int64{primaryID}
	f.LinkedIDs = []int64{primaryID}
	return f
}
