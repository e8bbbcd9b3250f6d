package dispatch

import "strings"

// Identity-bearing responses are sanitized with an explicit allow-list —
// unknown fields are dropped, so an upstream schema change fails closed.
// Everything else gets the PII deny-list strip, applied recursively.

var identityAllowedFields = map[string]bool{
	"id":     true,
	"is_bot": true,
	"type":   true,
	"title":  true,
	"status": true,
}

var piiDenyFields = map[string]bool{
	"phone_number":  true,
	"email":         true,
	"first_name":    true,
	"last_name":     true,
	"username":      true,
	"language_code": true,
	"address":       true,
	"ip_address":    true,
}

// sanitizeResponse strips personally-identifying fields from a response
// before it is returned to the submitter.
func sanitizeResponse(method string, resp map[string]any, identityNamespaces []string) map[string]any {
	if resp == nil {
		return nil
	}
	if isIdentityMethod(method, identityNamespaces) {
		out := make(map[string]any, len(resp))
		for k, v := range resp {
			if identityAllowedFields[k] {
				out[k] = v
			}
		}
		return out
	}
	return stripPII(resp)
}

func isIdentityMethod(method string, identityNamespaces []string) bool {
	ns := method
	if i := strings.IndexByte(method, '.'); i > 0 {
		ns = method[:i]
	}
	for _, id := range identityNamespaces {
		if ns == id {
			return true
		}
	}
	return false
}

// stripPII removes deny-listed fields from nested maps and slices.
func stripPII(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if piiDenyFields[k] {
			continue
		}
		out[k] = stripPIIValue(v)
	}
	return out
}

func stripPIIValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return stripPII(t)
	case []any:
		cleaned := make([]any, len(t))
		for i, e := range t {
			cleaned[i] = stripPIIValue(e)
		}
		return cleaned
	default:
		return v
	}
}
