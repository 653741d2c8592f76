package workspace

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/drplane/drplane/pkg/engine"
)

// Encode renders variables as a tfvars document: one `name = value` line per
// variable, lists inline and maps as an indented block with sorted keys.
func Encode(vars []engine.Variable) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range vars {
		if !hclsyntax.ValidIdentifier(v.Name) {
			return nil, fmt.Errorf("invalid variable name %q", v.Name)
		}

		switch val := v.Value.(type) {
		case string:
			fmt.Fprintf(&buf, "%s = %s\n", v.Name, quote(val))
		case []string:
			buf.WriteString(v.Name + " = [")
			for i, item := range val {
				if i > 0 {
					buf.WriteString(", ")
				}
				buf.WriteString(quote(item))
			}
			buf.WriteString("]\n")
		case map[string]string:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			buf.WriteString(v.Name + " = {\n")
			for _, k := range keys {
				fmt.Fprintf(&buf, "  %s = %s\n", objectKey(k), quote(val[k]))
			}
			buf.WriteString("}\n")
		default:
			return nil, fmt.Errorf("unsupported value type %T for variable %s", v.Value, v.Name)
		}
	}
	return buf.Bytes(), nil
}

// quote renders s as an HCL string literal, escaping quotes, backslashes,
// control characters, and template sequences.
func quote(s string) string {
	return string(hclwrite.TokensForValue(cty.StringVal(s)).Bytes())
}

func objectKey(k string) string {
	if hclsyntax.ValidIdentifier(k) {
		return k
	}
	return quote(k)
}

// Decode parses a tfvars document into strings, string slices, and string
// maps.
func Decode(src []byte, filename string) (map[string]interface{}, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %s", filename, diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to read attributes of %s: %s", filename, diags.Error())
	}

	out := make(map[string]interface{}, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		decoded, err := fromCty(val)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		out[name] = decoded
	}
	return out, nil
}

func fromCty(val cty.Value) (interface{}, error) {
	if val.IsNull() || !val.IsKnown() {
		return nil, fmt.Errorf("value is null or unknown")
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil

	case ty.IsTupleType() || ty.IsListType():
		items := make([]string, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			if elem.Type() != cty.String {
				return nil, fmt.Errorf("list element is %s, want string", elem.Type().FriendlyName())
			}
			items = append(items, elem.AsString())
		}
		return items, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]string)
		for it := val.ElementIterator(); it.Next(); {
			k, elem := it.Element()
			if elem.Type() != cty.String {
				return nil, fmt.Errorf("map value is %s, want string", elem.Type().FriendlyName())
			}
			m[k.AsString()] = elem.AsString()
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}
