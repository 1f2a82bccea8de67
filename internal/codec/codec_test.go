package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinTypeRoundTrip(t *testing.T) {
	for _, jt := range []JoinType{JoinSSV, JoinCSV, JoinArray} {
		parsed, err := ParseJoinType(string(jt))
		require.NoError(t, err)
		assert.Equal(t, jt, parsed)
		assert.Equal(t, jt, JoinTypeForDelimiter(jt.Delimiter()))
	}
}

func TestParseJoinTypeInvalid(t *testing.T) {
	_, err := ParseJoinType("tsv")
	assert.Error(t, err)
}

func TestJoinTypeForDelimiterDefaultsToArray(t *testing.T) {
	assert.Equal(t, JoinArray, JoinTypeForDelimiter("|"))
}

func TestStripSPN(t *testing.T) {
	assert.Equal(t, "alice", StripSPN("alice@idm.example.org"))
	assert.Equal(t, "alice", StripSPN("alice"))
}

func TestNormalizeSPNs(t *testing.T) {
	remote := []string{"bob@idm.example.org", "alice@idm.example.org"}
	assert.Equal(t, []string{"alice", "bob"}, NormalizeSPNs(remote))
	// input must stay untouched
	assert.Equal(t, []string{"bob@idm.example.org", "alice@idm.example.org"}, remote)
}

func TestScopeMapEntryRoundTrip(t *testing.T) {
	raw := FormatScopeMapEntry("eng@idm.example.org", []string{"openid", "email"})
	entry, err := ParseScopeMapEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, "eng", entry.Group)
	assert.Equal(t, []string{"openid", "email"}, entry.Scopes)
}

func TestParseScopeMapEntryEmptySet(t *testing.T) {
	entry, err := ParseScopeMapEntry("eng@idm.example.org: {}")
	require.NoError(t, err)
	assert.Empty(t, entry.Scopes)
}

func TestParseScopeMapEntryMalformed(t *testing.T) {
	_, err := ParseScopeMapEntry("not a scope map")
	assert.Error(t, err)

	_, err = ParseScopeMapEntry(`eng@idm.example.org: "openid"`)
	assert.Error(t, err)
}

func TestFindScopeMapMatchesExactGroupToken(t *testing.T) {
	entries := []string{
		`eng2@idm.example.org: {"admin"}`,
		`eng@idm.example.org: {"openid"}`,
	}

	scopes, found, err := FindScopeMap(entries, "eng")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"openid"}, scopes)

	scopes, found, err = FindScopeMap(entries, "eng2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"admin"}, scopes)

	_, found, err = FindScopeMap(entries, "en")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClaimMapEntryRoundTrip(t *testing.T) {
	for _, jt := range []JoinType{JoinSSV, JoinCSV, JoinArray} {
		raw := FormatClaimMapEntry("role", "eng@idm.example.org", jt, []string{"dev", "ops"})
		entry, err := ParseClaimMapEntry(raw)
		require.NoError(t, err)
		assert.Equal(t, "role", entry.Claim)
		assert.Equal(t, "eng", entry.Group)
		assert.Equal(t, []string{"dev", "ops"}, entry.Values)
		assert.Equal(t, jt, JoinTypeForDelimiter(entry.Delimiter))
	}
}

func TestParseClaimMapEntryMalformed(t *testing.T) {
	_, err := ParseClaimMapEntry("role:eng@idm.example.org")
	assert.Error(t, err)
}

func TestFindClaimMapMatchesExactTokens(t *testing.T) {
	entries := []string{
		`role:eng2@idm.example.org:,:"admin"`,
		`role:eng@idm.example.org:,:"dev,ops"`,
	}

	values, found, err := FindClaimMap(entries, "role", "eng")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"dev", "ops"}, values)

	_, found, err = FindClaimMap(entries, "role", "en")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = FindClaimMap(entries, "group", "eng")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindClaimJoinType(t *testing.T) {
	entries := []string{
		`role:eng@idm.example.org: :"dev ops"`,
		`group:eng@idm.example.org:,:"a,b"`,
	}

	jt, err := FindClaimJoinType(entries, "role")
	require.NoError(t, err)
	assert.Equal(t, JoinSSV, jt)

	jt, err = FindClaimJoinType(entries, "group")
	require.NoError(t, err)
	assert.Equal(t, JoinCSV, jt)

	// claims without entries report the server default
	jt, err = FindClaimJoinType(entries, "email")
	require.NoError(t, err)
	assert.Equal(t, JoinArray, jt)
}
