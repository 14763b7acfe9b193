// Package authz implements the Control-Interface Gateway's request
// authorization (§4.6): segment-by-segment field-mask matching for
// state requests, and prefix/suffix wildcard matching for log requests.
// A cedar-go-style policy engine was considered (stacklok/toolhive uses
// one in the retrieval pack) and rejected — the rule shapes here are a
// fixed two-field grammar with bespoke ancestor/descendant semantics
// that a general policy DSL would only obscure, so this is hand-rolled
// directly against types.StateRule/LogRule: a small purpose-built
// evaluator instead of pulling in a generic rules engine for a narrow
// need.
package authz

import (
	"strings"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

// Authorizer evaluates requests against a workload's configured
// ControlInterfaceAccess rule sets.
type Authorizer struct{}

// New returns an Authorizer. It is stateless; all state lives in the
// per-workload types.ControlInterfaceAccess passed to each call.
func New() *Authorizer { return &Authorizer{} }

// AuthorizeState reports whether every entry in masks is allowed for op
// against access. An empty masks slice means "the whole state" and is
// allowed only via a single top-level '*' allow rule.
func (a *Authorizer) AuthorizeState(access *types.ControlInterfaceAccess, op types.RuleOperation, masks []string) bool {
	if access == nil {
		return false
	}
	allow := filterByOp(access.AllowStateRules, op)
	deny := filterByOp(access.DenyStateRules, op)

	if len(masks) == 0 {
		return hasWholeStateAllow(allow) && !hasWholeStateAllow(deny)
	}

	for _, mask := range masks {
		if mask == "" {
			if !(hasWholeStateAllow(allow) && !hasWholeStateAllow(deny)) {
				return false
			}
			continue
		}
		if !maskAllowed(mask, allow, deny) {
			return false
		}
	}
	return true
}

func filterByOp(rules []types.StateRule, op types.RuleOperation) []types.StateRule {
	var out []types.StateRule
	for _, r := range rules {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}

func hasWholeStateAllow(rules []types.StateRule) bool {
	for _, r := range rules {
		if segments(r.FilterMask) == 1 && r.FilterMask == "*" {
			return true
		}
	}
	return false
}

func maskAllowed(mask string, allow, deny []types.StateRule) bool {
	allowed := false
	for _, r := range allow {
		if r.FilterMask == "" {
			continue
		}
		if ruleIsAncestorOrEqual(r.FilterMask, mask) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, r := range deny {
		if r.FilterMask == "" {
			continue
		}
		if ruleIsAncestorOrEqual(r.FilterMask, mask) {
			return false
		}
	}
	return true
}

// ruleIsAncestorOrEqual reports whether rule, segment-by-segment (with
// '*' wildcards), matches a prefix of mask no longer than rule itself —
// i.e. rule is the same path as mask or a shallower ancestor of it. An
// allow rule grants this for every deeper mask too (a path and
// everything under it); a deny rule revokes this same set, read from the
// request side: a deny whose filter is an ancestor-or-equal of mask
// denies mask.
func ruleIsAncestorOrEqual(rule, mask string) bool {
	ruleSegs := strings.Split(rule, ".")
	maskSegs := strings.Split(mask, ".")
	if len(ruleSegs) > len(maskSegs) {
		return false
	}
	for i, rs := range ruleSegs {
		if rs != "*" && rs != maskSegs[i] {
			return false
		}
	}
	return true
}

func segments(mask string) int {
	if mask == "" {
		return 0
	}
	return len(strings.Split(mask, "."))
}

// AuthorizeLogs reports whether logs may be read for every name in
// names.
func (a *Authorizer) AuthorizeLogs(access *types.ControlInterfaceAccess, names []string) bool {
	if access == nil {
		return false
	}
	for _, name := range names {
		if !logNameAllowed(name, access.AllowLogRules, access.DenyLogRules) {
			return false
		}
	}
	return true
}

func logNameAllowed(name string, allow, deny []types.LogRule) bool {
	allowed := false
	for _, r := range allow {
		if logPatternMatches(r.Pattern, name) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, r := range deny {
		if logPatternMatches(r.Pattern, name) {
			return false
		}
	}
	return true
}

// logPatternMatches implements the single-wildcard prefix/suffix match:
// "ivi_*" matches names with prefix "ivi_", "*_updater" matches names
// with suffix "_updater", "*" alone matches everything, a pattern with
// no '*' matches only the exact name.
func logPatternMatches(pattern, name string) bool {
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return pattern == name
	}
	prefix := pattern[:idx]
	suffix := pattern[idx+1:]
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) &&
		len(name) >= len(prefix)+len(suffix)
}
