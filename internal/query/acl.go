package query

import "github.com/ashita-ai/memvid/internal/frame"

// evalACL implements spec.md §4.8's ACL filtering: reads tenant_id,
// visibility, and principal/role/group allow-lists out of a frame's Extra
// metadata map. In enforce mode a missing or malformed field denies by
// default; in audit mode the hit is kept with a DenyReason recorded.
//
// Returns (denied, reason). reason is empty when not denied.
func evalACL(f *frame.Frame, ctx *ACLContext) (bool, string) {
	if ctx == nil {
		return false, ""
	}

	extra := f.Extra
	if extra == nil {
		return true, "missing ACL metadata"
	}

	tenantID, hasTenant := stringField(extra, "tenant_id")
	if !hasTenant {
		return true, "missing tenant_id"
	}
	if tenantID != ctx.TenantID {
		return true, "tenant mismatch"
	}

	visibility, hasVisibility := stringField(extra, "visibility")
	if !hasVisibility {
		return true, "missing visibility"
	}
	if visibility == "public" {
		return false, ""
	}
	if visibility != "restricted" {
		return true, "malformed visibility value"
	}

	if anyMatch(extra, "principals", ctx.Principals) ||
		anyMatch(extra, "roles", ctx.Roles) ||
		anyMatch(extra, "groups", ctx.Groups) {
		return false, ""
	}
	return true, "restricted: no matching principal, role, or group"
}

func stringField(extra map[string]any, key string) (string, bool) {
	v, ok := extra[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// anyMatch reports whether extra[key] (expected []any of strings, the shape
// json.Unmarshal produces for a JSON array) intersects with allowed.
func anyMatch(extra map[string]any, key string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	raw, ok := extra[key]
	if !ok {
		return false
	}
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, found := allowedSet[s]; found {
			return true
		}
	}
	return false
}
