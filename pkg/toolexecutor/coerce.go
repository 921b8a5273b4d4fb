package toolexecutor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"
)

// coerceArguments converts raw model arguments to the declared parameter
// types and fills defaults. Values that cannot be converted are left as is so
// schema validation reports them. The input map is not modified.
func coerceArguments(def *ToolDefinition, args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+len(def.Parameters))
	for k, v := range args {
		out[k] = v
	}

	for _, param := range def.Parameters {
		v, ok := out[param.Name]
		if !ok || v == nil {
			if param.Default != nil {
				out[param.Name] = param.Default
			}
			continue
		}
		if converted, ok := coerceValue(param.Type, v); ok {
			out[param.Name] = converted
		}
	}

	return out
}

func coerceValue(paramType string, v interface{}) (interface{}, bool) {
	switch paramType {
	case "integer":
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, false
			}
		case float32:
			if float64(n) != math.Trunc(float64(n)) {
				return nil, false
			}
		case string:
			return parseDecimalInt(n)
		case bool:
			return nil, false
		}
		i, err := cast.ToInt64E(v)
		return i, err == nil
	case "number":
		if _, isBool := v.(bool); isBool {
			return nil, false
		}
		if s, isString := v.(string); isString {
			v = strings.TrimSpace(s)
		}
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	case "boolean":
		switch v.(type) {
		case bool, string:
			b, err := cast.ToBoolE(v)
			return b, err == nil
		}
		return nil, false
	case "string":
		switch v.(type) {
		case string:
			return v, true
		case int, int32, int64, float32, float64, bool:
			s, err := cast.ToStringE(v)
			return s, err == nil
		}
		return nil, false
	default:
		return nil, false
	}
}

// validateArguments validates arguments against a compiled JSON Schema
func validateArguments(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// parseDecimalInt reads s as a base 10 integer. Leading zeros are not an
// octal prefix and hex or binary prefixes are rejected. Integral decimals
// such as "2.0" are accepted.
func parseDecimalInt(s string) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.ContainsAny(s, "xX") {
		return nil, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return nil, false
	}
	return int64(f), true
}
