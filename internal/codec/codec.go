// Package codec implements the textual grammars kanidm uses to encode
// composite attribute values as plain strings: realm-qualified names
// (SPNs), scope map entries and claim map entries. The grammar is an
// observed property of the server, not a documented contract, so it is
// kept in one place with round-trip tests.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// JoinType selects the delimiter used to combine multiple claim values
// into a single claim token.
type JoinType string

const (
	JoinSSV   JoinType = "ssv"
	JoinCSV   JoinType = "csv"
	JoinArray JoinType = "array"
)

// ParseJoinType validates a join type literal from the state file.
func ParseJoinType(s string) (jt JoinType, err error) {
	switch JoinType(s) {
	case JoinSSV, JoinCSV, JoinArray:
		jt = JoinType(s)
	default:
		err = fmt.Errorf("invalid join type %q, must be one of ssv, csv or array", s)
	}
	return
}

// Delimiter returns the single-character delimiter the server embeds in
// claim map entries for this join type.
func (jt JoinType) Delimiter() string {
	switch jt {
	case JoinSSV:
		return " "
	case JoinCSV:
		return ","
	default:
		return ";"
	}
}

// JoinTypeForDelimiter is the inverse of Delimiter. The server's default
// is array, so anything unrecognized maps to that.
func JoinTypeForDelimiter(d string) JoinType {
	switch d {
	case " ":
		return JoinSSV
	case ",":
		return JoinCSV
	default:
		return JoinArray
	}
}

// StripSPN removes the realm qualification from a value like
// "name@idm.example.org", returning just "name". Values without a
// qualification are returned unchanged.
func StripSPN(v string) string {
	if i := strings.IndexByte(v, '@'); i >= 0 {
		return v[:i]
	}
	return v
}

// NormalizeSPNs strips the realm qualification from every value and
// returns them sorted, so that remote and declared member lists compare
// equal regardless of qualification and order. The input is not modified.
func NormalizeSPNs(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, v := range values {
		normalized = append(normalized, StripSPN(v))
	}
	sort.Strings(normalized)
	return normalized
}

// ScopeMapEntry is one decoded value of the oauth2_rs_scope_map (or
// sup_scope_map) attribute. The wire form is:
//
//	group@domain: {"scope1", "scope2"}
type ScopeMapEntry struct {
	Group  string // unqualified group name
	Scopes []string
}

// ParseScopeMapEntry decodes a single scope map value. Malformed entries
// are an error, never silently treated as empty.
func ParseScopeMapEntry(raw string) (entry ScopeMapEntry, err error) {
	key, rest, found := strings.Cut(raw, ": ")
	if !found {
		err = fmt.Errorf("malformed scope map entry %q: missing %q separator", raw, ": ")
		return
	}
	if !strings.HasPrefix(rest, "{") || !strings.HasSuffix(rest, "}") {
		err = fmt.Errorf("malformed scope map entry %q: scope set is not brace-delimited", raw)
		return
	}
	entry.Group = StripSPN(key)
	entry.Scopes = splitQuotedSet(strings.TrimSuffix(strings.TrimPrefix(rest, "{"), "}"))
	return
}

// FormatScopeMapEntry encodes a scope map value the way the server
// renders it. Used by tests to round-trip the grammar.
func FormatScopeMapEntry(group string, scopes []string) string {
	quoted := make([]string, 0, len(scopes))
	for _, s := range scopes {
		quoted = append(quoted, `"`+s+`"`)
	}
	return fmt.Sprintf("%s: {%s}", group, strings.Join(quoted, ", "))
}

// FindScopeMap locates the entry for the given unqualified group name
// and returns its decoded scope set. Matching is on the exact group
// token, not a name prefix, so "eng" never matches an entry for "eng2".
func FindScopeMap(entries []string, group string) (scopes []string, found bool, err error) {
	for _, raw := range entries {
		var entry ScopeMapEntry
		if entry, err = ParseScopeMapEntry(raw); err != nil {
			return
		}
		if entry.Group == group {
			return entry.Scopes, true, nil
		}
	}
	return
}

// ClaimMapEntry is one decoded value of the oauth2_rs_claim_map
// attribute. The wire form embeds the claim, the qualified group, the
// join delimiter and the comma-joined value list:
//
//	claim:group@domain:,:"value1,value2"
type ClaimMapEntry struct {
	Claim     string
	Group     string // unqualified group name
	Delimiter string
	Values    []string
}

// ParseClaimMapEntry decodes a single claim map value.
func ParseClaimMapEntry(raw string) (entry ClaimMapEntry, err error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		err = fmt.Errorf("malformed claim map entry %q: expected 4 colon-separated tokens", raw)
		return
	}
	entry.Claim = parts[0]
	entry.Group = StripSPN(parts[1])
	entry.Delimiter = parts[2]
	values := strings.Trim(parts[3], `"`)
	if len(values) > 0 {
		entry.Values = strings.Split(values, ",")
	}
	return
}

// FormatClaimMapEntry encodes a claim map value the way the server
// renders it.
func FormatClaimMapEntry(claim, group string, jt JoinType, values []string) string {
	return fmt.Sprintf("%s:%s:%s:%q", claim, group, jt.Delimiter(), strings.Join(values, ","))
}

// ParseClaimMapEntries decodes every claim map value, failing on the
// first malformed one.
func ParseClaimMapEntries(entries []string) (decoded []ClaimMapEntry, err error) {
	decoded = make([]ClaimMapEntry, 0, len(entries))
	for _, raw := range entries {
		var entry ClaimMapEntry
		if entry, err = ParseClaimMapEntry(raw); err != nil {
			return nil, err
		}
		decoded = append(decoded, entry)
	}
	return
}

// FindClaimMap locates the entry for the exact claim and unqualified
// group pair and returns its decoded value list.
func FindClaimMap(entries []string, claim, group string) (values []string, found bool, err error) {
	var decoded []ClaimMapEntry
	if decoded, err = ParseClaimMapEntries(entries); err != nil {
		return
	}
	for _, entry := range decoded {
		if entry.Claim == claim && entry.Group == group {
			return entry.Values, true, nil
		}
	}
	return
}

// FindClaimJoinType returns the join type currently in effect for a
// claim, derived from the delimiter of any existing entry for it. A
// claim without entries reports the server default (array).
func FindClaimJoinType(entries []string, claim string) (jt JoinType, err error) {
	jt = JoinArray
	var decoded []ClaimMapEntry
	if decoded, err = ParseClaimMapEntries(entries); err != nil {
		return
	}
	for _, entry := range decoded {
		if entry.Claim == claim {
			return JoinTypeForDelimiter(entry.Delimiter), nil
		}
	}
	return
}

// splitQuotedSet splits `"a", "b"` into its unquoted elements. An empty
// set decodes to nil.
func splitQuotedSet(inner string) (values []string) {
	inner = strings.TrimSpace(inner)
	if len(inner) == 0 {
		return
	}
	for _, part := range strings.Split(inner, ", ") {
		values = append(values, strings.Trim(part, `"`))
	}
	return
}
