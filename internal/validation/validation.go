// Package validation checks declarative definitions against their struct
// tags and tool arguments against JSON schemas.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their YAML names, as users write them.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// FieldErrors lists the fields of one definition that failed validation.
type FieldErrors struct {
	Subject string
	Missing []string          // Required fields that are empty
	Invalid map[string]string // Field -> rule it broke
}

func (e *FieldErrors) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s failed validation", e.Subject))
	if len(e.Missing) > 0 {
		sb.WriteString(fmt.Sprintf("; missing: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		fields := make([]string, 0, len(e.Invalid))
		for f := range e.Invalid {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		parts := make([]string, len(fields))
		for i, f := range fields {
			parts[i] = f + " (" + e.Invalid[f] + ")"
		}
		sb.WriteString(fmt.Sprintf("; invalid: %s", strings.Join(parts, ", ")))
	}
	return sb.String()
}

// Struct validates v against its validate tags. subject names v in the
// error message, e.g. "server evidence". The returned error carries
// CONFIG_001 when a required field is missing, CONFIG_002 otherwise.
func Struct(subject string, v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return flowerrors.Wrapf(flowerrors.CodeConfigInvalidValue, err, "%s is not valid", subject)
	}

	fe := &FieldErrors{Subject: subject, Invalid: make(map[string]string)}
	for _, f := range verrs {
		field := fieldPath(f.Namespace())
		if f.Tag() == "required" {
			fe.Missing = append(fe.Missing, field)
			continue
		}
		rule := f.Tag()
		if f.Param() != "" {
			rule += "=" + f.Param()
		}
		fe.Invalid[field] = rule
	}

	code := flowerrors.CodeConfigInvalidValue
	if len(fe.Missing) > 0 {
		code = flowerrors.CodeConfigMissingField
	}
	return flowerrors.New(code, fe.Error()).
		WithDetail("missing", fe.Missing).
		WithDetail("invalid", fe.Invalid)
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// CompileSchema compiles a JSON schema declared inline as a decoded map.
// name identifies the schema in error messages.
func CompileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema %s: %w", name, err)
	}

	url := "toolflow://schemas/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("loading schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", name, err)
	}
	return compiled, nil
}

// Arguments validates tool call arguments against a compiled schema. The
// arguments are normalized through JSON first so values decoded from YAML
// (ints, nested maps) are checked the way the tool server will see them.
func Arguments(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	return schema.Validate(doc)
}
