package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON stores any JSON-serializable value in a single column
type JSON[T any] struct {
	Data T
}

// NewJSON wraps data for storage
func NewJSON[T any](data T) JSON[T] {
	return JSON[T]{Data: data}
}

// Value implements driver.Valuer
func (j JSON[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (j *JSON[T]) Scan(src any) error {
	var zero T
	j.Data = zero
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, &j.Data)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), &j.Data)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
