package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSONStringSlice defined JSON data type, need to implements driver.Valuer, sql.Scanner interface
type JSONStringSlice []string

// Value return json value, implement driver.Valuer interface
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	ba, err := json.Marshal(s)
	return string(ba), err
}

// Scan scan value into the slice, implements sql.Scanner interface
func (s *JSONStringSlice) Scan(val interface{}) error {
	var ba []byte
	switch v := val.(type) {
	case []byte:
		ba = v
	case string:
		ba = []byte(v)
	case nil:
		*s = nil
		return nil
	default:
		return errors.New(fmt.Sprint("failed to unmarshal JSONB value:", val))
	}
	return json.Unmarshal(ba, s)
}

// GormDataType gorm common data type
func (s JSONStringSlice) GormDataType() string {
	return "jsonstringslice"
}

// GormDBDataType gorm db data type
func (JSONStringSlice) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "text"
	case "postgres":
		return "jsonb"
	}
	return ""
}

// Contains reports whether the given element is in the slice.
func (s JSONStringSlice) Contains(el string) bool {
	for _, e := range s {
		if e == el {
			return true
		}
	}
	return false
}

// Without returns a copy of the slice with the given element removed.
func (s JSONStringSlice) Without(el string) JSONStringSlice {
	res := make(JSONStringSlice, 0, len(s))
	for _, e := range s {
		if e != el {
			res = append(res, e)
		}
	}
	return res
}
