// Package validation checks request structs against `validate` tags.
//
// Supported rules: required, email, min=N, max=N (string length or
// slice size), oneof=a b c, and slug.
package validation

import (
	"fmt"
	"net/mail"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Validator validates structs
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct and returns an apperr validation error
// naming the first offending field.
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct, got %s", val.Kind())
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")
		if tag == "" || !fieldType.IsExported() {
			continue
		}

		if err := v.validateField(val.Field(i), tag); err != nil {
			return apperr.Validation("%s: %v", fieldName(fieldType), err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for field.Kind() == reflect.Ptr {
		if field.IsNil() {
			if strings.Contains(tag, "required") {
				return fmt.Errorf("field is required")
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(rule, "=")

		switch name {
		case "required":
			if field.IsZero() || (field.Kind() == reflect.String && strings.TrimSpace(field.String()) == "") {
				return fmt.Errorf("field is required")
			}

		case "email":
			if s := field.String(); s != "" {
				addr, err := mail.ParseAddress(s)
				if err != nil || addr.Address != s {
					return fmt.Errorf("invalid email format")
				}
			}

		case "min", "max":
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", name, arg)
			}
			size, ok := sizeOf(field)
			if !ok {
				continue
			}
			if name == "min" && size < n {
				return fmt.Errorf("minimum length is %d", n)
			}
			if name == "max" && size > n {
				return fmt.Errorf("maximum length is %d", n)
			}

		case "oneof":
			if s := field.String(); s != "" && !contains(strings.Fields(arg), s) {
				return fmt.Errorf("must be one of %s", strings.Join(strings.Fields(arg), ", "))
			}

		case "slug":
			if s := field.String(); s != "" && !slugPattern.MatchString(s) {
				return fmt.Errorf("must contain only lowercase letters, digits and single hyphens")
			}
		}
	}

	return nil
}

// IsSlug reports whether s is a valid company slug
func IsSlug(s string) bool {
	return slugPattern.MatchString(s)
}

func sizeOf(field reflect.Value) (int, bool) {
	switch field.Kind() {
	case reflect.String:
		return len([]rune(field.String())), true
	case reflect.Slice, reflect.Array, reflect.Map:
		return field.Len(), true
	default:
		return 0, false
	}
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
