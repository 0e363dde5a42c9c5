package models

import (
	"fmt"
	"time"

	"linkage/pkg/platform/sentinel"
)

// LinkPrecedence marks a contact as the canonical record of its cluster or as
// a record linked to one.
type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

func (p LinkPrecedence) IsValid() bool {
	return p == LinkPrecedencePrimary || p == LinkPrecedenceSecondary
}

func (p LinkPrecedence) String() string {
	return string(p)
}

// Contact is one submitted (email, phone) observation.
//
// Invariants:
//   - LinkPrecedence is primary or secondary
//   - a secondary's LinkedID names the primary of its cluster (one hop)
//   - a primary has no LinkedID
//   - precedence only moves primary -> secondary, during a merge
//
// Email and PhoneNumber are nil when the field was not supplied.
type Contact struct {
	ID             int64          `json:"id"`
	Email          *string        `json:"email"`
	PhoneNumber    *string        `json:"phoneNumber"`
	LinkedID       *int64         `json:"linkedId"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// NewPrimary builds an unsaved primary contact.
func NewPrimary(email, phone *string, now time.Time) *Contact {
	return &Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkPrecedence: LinkPrecedencePrimary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewSecondary builds an unsaved secondary contact linked to primaryID.
func NewSecondary(email, phone *string, primaryID int64, now time.Time) *Contact {
	return &Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkedID:       &primaryID,
		LinkPrecedence: LinkPrecedenceSecondary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

func (c *Contact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// HasEmail reports an exact match on the stored email.
func (c *Contact) HasEmail(email string) bool {
	return email != "" && c.Email != nil && *c.Email == email
}

// HasPhoneNumber reports an exact match on the stored phone number.
func (c *Contact) HasPhoneNumber(phone string) bool {
	return phone != "" && c.PhoneNumber != nil && *c.PhoneNumber == phone
}

// IsLinkedTo reports whether c points at id.
func (c *Contact) IsLinkedTo(id int64) bool {
	return c.LinkedID != nil && *c.LinkedID == id
}

// Precedes orders contacts by age: earlier CreatedAt first, lower ID on ties.
func (c *Contact) Precedes(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// CanDemote checks that c may become a secondary of primaryID.
func (c *Contact) CanDemote(primaryID int64) error {
	if !c.IsPrimary() {
		return fmt.Errorf("contact %d is already secondary: %w", c.ID, sentinel.ErrInvalidState)
	}
	if c.ID == primaryID {
		return fmt.Errorf("contact %d cannot link to itself: %w", c.ID, sentinel.ErrInvalidState)
	}
	return nil
}

// Demotion is the update that turns a primary into a secondary of primaryID.
func Demotion(primaryID int64, now time.Time) ContactUpdate {
	precedence := LinkPrecedenceSecondary
	return ContactUpdate{
		LinkPrecedence: &precedence,
		LinkedID:       &primaryID,
		UpdatedAt:      now,
	}
}

// Relink is the update that re-points a secondary at primaryID.
func Relink(primaryID int64, now time.Time) ContactUpdate {
	return ContactUpdate{
		LinkedID:  &primaryID,
		UpdatedAt: now,
	}
}

// Apply copies the non-nil fields of u onto c.
func (c *Contact) Apply(u ContactUpdate) {
	if u.LinkPrecedence != nil {
		c.LinkPrecedence = *u.LinkPrecedence
	}
	if u.LinkedID != nil {
		id := *u.LinkedID
		c.LinkedID = &id
	}
	c.UpdatedAt = u.UpdatedAt
}

// Clone returns a deep copy.
func (c *Contact) Clone() *Contact {
	out := *c
	if c.Email != nil {
		v := *c.Email
		out.Email = &v
	}
	if c.PhoneNumber != nil {
		v := *c.PhoneNumber
		out.PhoneNumber = &v
	}
	if c.LinkedID != nil {
		v := *c.LinkedID
		out.LinkedID = &v
	}
	if c.DeletedAt != nil {
		v := *c.DeletedAt
		out.DeletedAt = &v
	}
	return &out
}

// ContactUpdate carries the mutable fields of a contact. Nil fields are left
// unchanged; UpdatedAt is always written.
type ContactUpdate struct {
	LinkPrecedence *LinkPrecedence
	LinkedID       *int64
	UpdatedAt      time.Time
}
