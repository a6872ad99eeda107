package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// configReader reads environment variables and collects every invalid value so
// they can be reported together.
type configReader struct {
	errors []error
}

func (r *configReader) readOptionalString(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (r *configReader) readRequiredString(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		r.errors = append(r.errors, fmt.Errorf("%s is required", key))
	}
	return value
}

func (r *configReader) readOptionalDuration(key string, defaultValue time.Duration) time.Duration {
	value := r.readOptionalString(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.errors = append(r.errors, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	if d <= 0 {
		r.errors = append(r.errors, fmt.Errorf("%s must be greater than 0, got %s", key, d))
		return defaultValue
	}
	return d
}

// readOptionalList splits a comma or space separated value.
func (r *configReader) readOptionalList(key string) []string {
	value := r.readOptionalString(key, "")
	if value == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(c rune) bool { return c == ',' || c == ' ' })
}

func (r *configReader) err() error {
	if len(r.errors) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(r.errors...))
}
