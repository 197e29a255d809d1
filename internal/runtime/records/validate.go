package records

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the shape of a record and that it belongs to key.
func Validate(key string, rec Record) error {
	if err := validatorInstance().Struct(rec); err != nil {
		return fmt.Errorf("records: record %q invalid: %w", rec.ID, err)
	}
	if rec.Key != key {
		return fmt.Errorf("records: record %q belongs to %q, expected %q", rec.ID, rec.Key, key)
	}
	return nil
}

// ValidateEntry checks every stored record of an entry.
func ValidateEntry(entry Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("records: entry key missing")
	}
	switch entry.State {
	case StateFresh, StateStale, StatePending, StateFailed:
	default:
		return fmt.Errorf("records: entry %q has unknown state %q", entry.Key, entry.State)
	}
	seen := make(map[string]struct{}, len(entry.Records))
	for _, rec := range entry.Records {
		if err := Validate(entry.Key, rec); err != nil {
			return err
		}
		if _, dup := seen[rec.ID]; dup {
			return fmt.Errorf("records: entry %q has duplicate record %q", entry.Key, rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}
	return nil
}
