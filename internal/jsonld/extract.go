package jsonld

import "strconv"

// FieldConfig describes how to pull one serializer field out of an expanded
// document.
type FieldConfig struct {
	// Property is the expanded IRI of the property to read.
	Property string
	// Aliases are additional IRIs consulted when Property is absent.
	Aliases []string
	// Keep limits how many values are kept; zero keeps all of them.
	Keep int
	// Attr extracts a single attribute ("@id" or "@value") from each node
	// instead of keeping the raw node.
	Attr string
}

// Prepare flattens an expanded document into a field name to values map
// according to config. Fallbacks fill fields that resolve to nothing.
func Prepare(expanded map[string]any, config map[string]FieldConfig, fallbacks map[string]any) map[string]any {
	out := map[string]any{}

	for field, fc := range config {
		values := nodeValues(expanded, fc.Property)
		for _, alias := range fc.Aliases {
			if len(values) > 0 {
				break
			}
			values = nodeValues(expanded, alias)
		}

		if fc.Attr != "" {
			extracted := make([]any, 0, len(values))
			for _, v := range values {
				if attr := nodeAttr(v, fc.Attr); attr != nil {
					extracted = append(extracted, attr)
				}
			}
			values = extracted
		}

		if fc.Keep > 0 && len(values) > fc.Keep {
			values = values[:fc.Keep]
		}

		if len(values) == 0 {
			if fb, ok := fallbacks[field]; ok {
				out[field] = fb
			}
			continue
		}

		if fc.Keep == 1 {
			out[field] = values[0]
		} else {
			out[field] = values
		}
	}

	return out
}

func nodeValues(node map[string]any, property string) []any {
	raw, ok := node[property]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		return v
	default:
		return []any{v}
	}
}

func nodeAttr(value any, attr string) any {
	m, ok := value.(map[string]any)
	if !ok {
		if attr == "@value" {
			return value
		}
		return nil
	}
	// @list keeps its member order.
	if list, ok := m["@list"].([]any); ok {
		out := make([]any, 0, len(list))
		for _, item := range list {
			if a := nodeAttr(item, attr); a != nil {
				out = append(out, a)
			}
		}
		return out
	}
	return m[attr]
}

// ID returns the @id of an expanded node, or "".
func ID(node map[string]any) string {
	id, _ := node["@id"].(string)
	return id
}

// Type returns the first @type of an expanded node, stripped of the
// ActivityStreams and application namespaces.
func Type(node map[string]any) string {
	types, _ := node["@type"].([]any)
	for _, t := range types {
		s, ok := t.(string)
		if !ok {
			continue
		}
		for _, ns := range []string{NamespaceAS, NamespaceFN} {
			if len(s) > len(ns) && s[:len(ns)] == ns {
				return s[len(ns):]
			}
		}
		return s
	}
	return ""
}

// FirstNode returns the first value of property as an expanded node.
func FirstNode(node map[string]any, property string) map[string]any {
	for _, v := range nodeValues(node, property) {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// FirstID returns the @id of the first value of property.
func FirstID(node map[string]any, property string) string {
	if m := FirstNode(node, property); m != nil {
		return ID(m)
	}
	return ""
}

// FirstString returns the first literal value of property.
func FirstString(node map[string]any, property string) string {
	for _, v := range nodeValues(node, property) {
		if m, ok := v.(map[string]any); ok {
			if s, ok := m["@value"].(string); ok {
				return s
			}
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// FirstInt returns the first numeric value of property, tolerating both
// JSON numbers and typed string literals.
func FirstInt(node map[string]any, property string) int64 {
	for _, v := range nodeValues(node, property) {
		raw := v
		if m, ok := v.(map[string]any); ok {
			raw = m["@value"]
		}
		switch n := raw.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		case int64:
			return n
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}

// ListNodes returns the node members of property, flattening an @list
// container when one is present.
func ListNodes(node map[string]any, property string) []map[string]any {
	var out []map[string]any
	for _, v := range nodeValues(node, property) {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if list, ok := m["@list"].([]any); ok {
			for _, item := range list {
				if member, ok := item.(map[string]any); ok {
					out = append(out, member)
				}
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// FirstBool returns the first boolean value of property.
func FirstBool(node map[string]any, property string) bool {
	for _, v := range nodeValues(node, property) {
		raw := v
		if m, ok := v.(map[string]any); ok {
			raw = m["@value"]
		}
		switch b := raw.(type) {
		case bool:
			return b
		case string:
			return b == "true"
		}
	}
	return false
}

// IDs collects every @id found under property, including plain string
// references.
func IDs(node map[string]any, property string) []string {
	var out []string
	for _, v := range nodeValues(node, property) {
		switch ref := v.(type) {
		case string:
			out = append(out, ref)
		case map[string]any:
			if id := ID(ref); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
