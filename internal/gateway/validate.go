package gateway

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
)

// validateArgs checks supplied arguments against a tool's input schema
// before the gateway spends an exchange on the call. Problems are collected
// so the caller sees every violation at once.
func validateArgs(op string, schema InputSchema, args map[string]interface{}) error {
	var problems []string

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := schema.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown argument %q", name))
			continue
		}
		if problem := checkValue(name, prop, args[name]); problem != "" {
			problems = append(problems, problem)
		}
	}

	for _, name := range schema.Required {
		value, present := args[name]
		if !present {
			problems = append(problems, fmt.Sprintf("missing required argument %q", name))
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			problems = append(problems, fmt.Sprintf("required argument %q is empty", name))
		}
	}

	if len(problems) > 0 {
		return gwerrors.InvalidArgument(op, errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

func checkValue(name string, prop PropertySchema, value interface{}) string {
	if value == nil {
		return fmt.Sprintf("argument %q is null", name)
	}

	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("argument %q must be a string", name)
		}
		if len(prop.Enum) > 0 && !slices.Contains(prop.Enum, s) {
			return fmt.Sprintf("argument %q must be one of [%s]", name, strings.Join(prop.Enum, ", "))
		}
	case "integer":
		// JSON numbers decode as float64.
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return fmt.Sprintf("argument %q must be an integer", name)
			}
		case int, int32, int64:
		default:
			return fmt.Sprintf("argument %q must be an integer", name)
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fmt.Sprintf("argument %q must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("argument %q must be a boolean", name)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return fmt.Sprintf("argument %q must be an array", name)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Sprintf("argument %q must be an object", name)
		}
	}
	return ""
}
