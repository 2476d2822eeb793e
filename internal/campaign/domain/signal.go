package domain

import "strings"

// Keys the provider's analysis payload is known to use for the
// partnership result, checked before falling back to a fuzzy scan.
var partnershipKeys = []string{
	"is_partner",
	"partnership",
	"partner_interest",
	"partnered",
}

// ExtractPartnershipSignal pulls the tri-state partnership result out of
// a free-form conversation analysis payload. Strategies are tried in
// order and the first decisive answer wins:
//
//  1. a direct value at a well-known key,
//  2. the same keys wrapped in a {value: ...} object,
//  3. a fuzzy scan over any key name containing "partner".
//
// Values are normalized tolerantly (booleans, truthy/falsy strings,
// numbers). No decisive candidate yields nil: unknown, not false.
func ExtractPartnershipSignal(analysis map[string]any) *bool {
	if len(analysis) == 0 {
		return nil
	}

	scopes := signalScopes(analysis)

	for _, scope := range scopes {
		for _, key := range partnershipKeys {
			if raw, ok := scope[key]; ok {
				if signal := normalizeSignal(unwrapValue(raw)); signal != nil {
					return signal
				}
			}
		}
	}

	for _, scope := range scopes {
		for key, raw := range scope {
			if !strings.Contains(strings.ToLower(key), "partner") {
				continue
			}
			if signal := normalizeSignal(unwrapValue(raw)); signal != nil {
				return signal
			}
		}
	}

	return nil
}

// signalScopes returns the maps worth inspecting: the analysis itself
// and its nested data-collection results when present.
func signalScopes(analysis map[string]any) []map[string]any {
	scopes := []map[string]any{analysis}
	if nested, ok := analysis["data_collection_results"].(map[string]any); ok {
		scopes = append(scopes, nested)
	}
	return scopes
}

func unwrapValue(raw any) any {
	if m, ok := raw.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return raw
}

func normalizeSignal(raw any) *bool {
	switch v := raw.(type) {
	case bool:
		return &v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1", "success":
			return boolPtr(true)
		case "false", "no", "n", "0", "failure":
			return boolPtr(false)
		}
	case float64:
		return boolPtr(v != 0)
	case int:
		return boolPtr(v != 0)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
