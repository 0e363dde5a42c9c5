package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"linkage/internal/contact/models"
	dErrors "linkage/pkg/domain-errors"
)

// PhoneNumber accepts a JSON string or number; clients send both.
type PhoneNumber string

func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PhoneNumber(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("phoneNumber must be a string or number: %w", err)
	}
	*p = PhoneNumber(n.String())
	return nil
}

// IdentifyPayload is the POST /identify body. Absent, null and blank
// fields are all treated as not supplied.
type IdentifyPayload struct {
	Email       *string      `json:"email"`
	PhoneNumber *PhoneNumber `json:"phoneNumber"`
}

func (p *IdentifyPayload) Normalize() {
	if p.Email != nil {
		v := strings.TrimSpace(*p.Email)
		p.Email = &v
	}
	if p.PhoneNumber != nil {
		v := PhoneNumber(strings.TrimSpace(string(*p.PhoneNumber)))
		p.PhoneNumber = &v
	}
}

func (p *IdentifyPayload) Validate() error {
	req := p.ToRequest()
	if req.Email == "" && req.PhoneNumber == "" {
		return dErrors.New(dErrors.CodeBadRequest, "email or phoneNumber is required")
	}
	return nil
}

func (p *IdentifyPayload) ToRequest() models.IdentifyRequest {
	var req models.IdentifyRequest
	if p.Email != nil {
		req.Email = *p.Email
	}
	if p.PhoneNumber != nil {
		req.PhoneNumber = string(*p.PhoneNumber)
	}
	return req
}
