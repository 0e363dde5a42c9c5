package models

import (
	"strconv"
	"strings"

	dErrors "linkage/pkg/domain-errors"
)

// IdentifyRequest carries the contact fields of one identify call. An empty
// field means the caller did not supply it.
type IdentifyRequest struct {
	Email       string
	PhoneNumber string
}

// Normalize trims surrounding whitespace. Values are otherwise matched exactly.
func (r *IdentifyRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.PhoneNumber = strings.TrimSpace(r.PhoneNumber)
}

// Validate requires at least one identifying field.
func (r *IdentifyRequest) Validate() error {
	if r.Email == "" && r.PhoneNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "at least one of email or phoneNumber is required")
	}
	return nil
}

// EmailPtr returns the email as a nullable column value.
func (r IdentifyRequest) EmailPtr() *string {
	if r.Email == "" {
		return nil
	}
	v := r.Email
	return &v
}

// PhoneNumberPtr returns the phone number as a nullable column value.
func (r IdentifyRequest) PhoneNumberPtr() *string {
	if r.PhoneNumber == "" {
		return nil
	}
	v := r.PhoneNumber
	return &v
}

// Keys returns the identity keys guarded while this request is reconciled.
func (r IdentifyRequest) Keys() []string {
	keys := make([]string, 0, 2)
	if r.Email != "" {
		keys = append(keys, "email:"+r.Email)
	}
	if r.PhoneNumber != "" {
		keys = append(keys, "phone:"+r.PhoneNumber)
	}
	return keys
}

// ContactKey is the lock key of a cluster anchor. Holding it keeps the
// contact from being demoted or gaining links behind the holder's back.
func ContactKey(id int64) string {
	return "contact:" + strconv.FormatInt(id, 10)
}
