package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlatformCompanyID is the pseudo-tenant used by platform operators.
var PlatformCompanyID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// PlatformCompanyAlias is accepted in tenant headers in place of PlatformCompanyID.
const PlatformCompanyAlias = "platform-admin"

// SystemActorID identifies actions taken by the control plane itself.
var SystemActorID = uuid.Nil

// BaseModel contains common fields for all models
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface. JSON is sent as text so lib/pq
// does not encode it as bytea.
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("unsupported variables type %T", value)
	}
}

// StringArray is a list of strings stored as a JSON array
type StringArray []string

// Value implements driver.Valuer
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, (*[]string)(a))
	case string:
		return json.Unmarshal([]byte(data), (*[]string)(a))
	default:
		return fmt.Errorf("unsupported string array type %T", value)
	}
}

// Contains reports whether s is in the array
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}
