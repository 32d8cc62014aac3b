package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the failing field names in order.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

var structValidate *validator.Validate

func init() {
	structValidate = validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their file names, not Go names.
	structValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidateConfig checks struct tags and the cross-field rules tags can't
// express.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if err := structValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	for _, ns := range c.Sync.Exclude {
		if ns == c.Sync.Namespace {
			errs = append(errs, ValidationError{
				Field:   "sync.exclude",
				Message: fmt.Sprintf("%q is always excluded", ns),
			})
		}
	}

	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "file path is required when output includes a file",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath drops the root type name: "Config.live.path" -> "live.path".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required field is missing"
	case "oneof":
		return fmt.Sprintf("invalid value %v (valid: %s)", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "hostname_port":
		return fmt.Sprintf("invalid listen address %v", fe.Value())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
