package router

import "strings"

// Project builds an outbound record from doc. spec maps each destination
// field to a dotted path in doc; paths that do not resolve are left out.
func Project(doc map[string]any, spec map[string]string) map[string]any {
	out := make(map[string]any, len(spec))
	for field, path := range spec {
		if v, ok := Lookup(doc, path); ok {
			out[field] = v
		}
	}
	return out
}

// Lookup resolves a dotted path such as "request.headers.jwt.sub".
func Lookup(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
