// Package permissions implements the Permission Model: hierarchical wildcard
// grants scoped per tenant, fail-closed evaluation, and an explicit decision
// cache with injectable invalidation.
//
// Patterns take the forms "action", "action:domain", "action:*" and "*".
// Evaluation is not most-specific-wins: any matching explicit revoke blocks,
// otherwise any matching live grant allows, otherwise the action is denied.
package permissions

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Wildcard is the global pattern matching every candidate.
const Wildcard = "*"

// Normalize canonicalises a pattern or candidate: trimmed, lower-cased and
// NFC-normalised so visually identical input compares equal.
func Normalize(s string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(s)))
}

// Candidate forms the candidate action string "actionType:domain", or the bare
// action type when domain is empty.
func Candidate(actionType, domain string) string {
	actionType, domain = Normalize(actionType), Normalize(domain)
	if domain == "" {
		return actionType
	}
	return actionType + ":" + domain
}

// Pattern forms the stored pattern for a grant or revoke. It is the same
// shape as a candidate; "*" as the domain produces a category wildcard.
func Pattern(actionType, domain string) string {
	if Normalize(actionType) == Wildcard {
		return Wildcard
	}
	return Candidate(actionType, domain)
}

// Match reports whether pattern covers candidate. It matches when:
//   - pattern is "*";
//   - pattern equals candidate;
//   - pattern is "x:*" and candidate is "x:<something>";
//   - pattern is the candidate's action type alone.
//
// Substrings never match: "send" does not cover "send_sms:family", and
// "send_sms:*" does not cover the bare candidate "send_sms".
func Match(pattern, candidate string) bool {
	if pattern == "" || candidate == "" {
		return false
	}
	if pattern == Wildcard || pattern == candidate {
		return true
	}
	action, _, hasDomain := strings.Cut(candidate, ":")
	if !hasDomain {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return prefix == action
	}
	return pattern == action
}
