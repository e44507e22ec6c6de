package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs using `validate` field tags. Supported rules:
// required, min=N, max=N (numeric value or string/slice length) and
// oneof=a b c. Nested structs are validated recursively.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError names the field that failed a rule.
type FieldError struct {
	Field string
	Rule  string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("validate expects a struct, got nil")
		}
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	return v.validateStruct(val, "")
}

func (v *Validator) validateStruct(val reflect.Value, prefix string) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}
		name := prefix + fieldType.Name

		if tag := fieldType.Tag.Get("validate"); tag != "" && tag != "-" {
			if err := v.validateField(field, name, tag); err != nil {
				return err
			}
		}

		if field.Kind() == reflect.Struct && fieldType.Tag.Get("validate") != "-" {
			if err := v.validateStruct(field, name+"."); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, name, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		var err error
		switch ruleName {
		case "required":
			if field.IsZero() {
				err = fmt.Errorf("field is required")
			}

		case "min", "max":
			err = checkBound(field, ruleName, arg)

		case "oneof":
			err = checkOneOf(field, strings.Fields(arg))

		default:
			err = fmt.Errorf("unknown validation rule %q", ruleName)
		}

		if err != nil {
			return &FieldError{Field: name, Rule: ruleName, Err: err}
		}
	}

	return nil
}

func checkBound(field reflect.Value, rule, arg string) error {
	limit, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return fmt.Errorf("invalid %s argument %q", rule, arg)
	}

	var got float64
	what := "value"
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		got = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		got = float64(field.Uint())
	case reflect.Float32, reflect.Float64:
		got = field.Float()
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		got = float64(field.Len())
		what = "length"
	default:
		return fmt.Errorf("%s not supported for %s", rule, field.Kind())
	}

	if rule == "min" && got < limit {
		return fmt.Errorf("minimum %s is %s", what, arg)
	}
	if rule == "max" && got > limit {
		return fmt.Errorf("maximum %s is %s", what, arg)
	}
	return nil
}

func checkOneOf(field reflect.Value, options []string) error {
	var got string
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		got = strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		got = strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		got = field.String()
	default:
		return fmt.Errorf("oneof not supported for %s", field.Kind())
	}

	for _, o := range options {
		if o == got {
			return nil
		}
	}
	return fmt.Errorf("must be one of [%s]", strings.Join(options, " "))
}
