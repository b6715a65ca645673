package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldValue models the two shapes a deal custom field value arrives in:
// a bare string, or an object wrapping the string under "value". The CRM
// does not guarantee a single shape, so narrowing is explicit.
type FieldValue struct {
	raw     string
	wrapped bool
}

// String returns the narrowed field value
func (v FieldValue) String() string {
	return v.raw
}

// IsZero reports whether the field carried no value at all
func (v FieldValue) IsZero() bool {
	return v.raw == ""
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = FieldValue{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = FieldValue{raw: s}
		return nil
	}
	if data[0] == '{' {
		var obj struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*v = FieldValue{raw: obj.Value, wrapped: true}
		return nil
	}
	// numbers and booleans degrade to their literal representation
	*v = FieldValue{raw: string(data)}
	return nil
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw)
}

// Deal is a CRM record representing a sales opportunity
type Deal struct {
	ID           int64                 `json:"id"`
	Status       string                `json:"status"`
	Value        float64               `json:"value"`
	OrgID        int64                 `json:"org_id"`
	PersonID     int64                 `json:"person_id"`
	OwnerID      int64                 `json:"owner_id"`
	CustomFields map[string]FieldValue `json:"custom_fields"`
}

// CustomField returns the narrowed value of a custom field by key
func (d *Deal) CustomField(key string) string {
	if d.CustomFields == nil {
		return ""
	}
	return d.CustomFields[key].String()
}

// ContactValue is one entry of a person's email/phone list
type ContactValue struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
}

func primaryContact(list []ContactValue) string {
	for _, c := range list {
		if c.Primary {
			return c.Value
		}
	}
	if len(list) > 0 {
		return list[0].Value
	}
	return ""
}

// Organization is a CRM company record
type Organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Person is a CRM contact record
type Person struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Email []ContactValue `json:"email"`
	Phone []ContactValue `json:"phone"`
}

// PrimaryEmail returns the primary email address, or the first one listed
func (p *Person) PrimaryEmail() string {
	return primaryContact(p.Email)
}

// PrimaryPhone returns the primary phone number, or the first one listed
func (p *Person) PrimaryPhone() string {
	return primaryContact(p.Phone)
}

// User is a CRM user (deal owner / sales representative)
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// DealField is a resolved custom-field descriptor. Field keys are
// CRM-assigned and rarely change, but are not stable across calls.
type DealField struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	FieldType string `json:"field_type"`
}

// FieldResolutionError signals that a custom field schema lookup did not
// resolve. Callers degrade gracefully instead of failing hard.
type FieldResolutionError struct {
	Name string
}

func (e *FieldResolutionError) Error() string {
	return fmt.Sprintf("crm: field %q did not resolve", e.Name)
}
