package kanidm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddlama/kanidm-provision/internal/codec"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// testServer records every mutating request and serves canned JSON for
// the rest.
type testServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
	server   *httptest.Server
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *testServer {
	t.Helper()
	ts := &testServer{handler: handler}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		ts.mu.Unlock()
		if ts.handler != nil {
			ts.handler(w, r)
		}
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

func TestAuthenticateHandshake(t *testing.T) {
	step := 0
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, EndpointAuth, r.URL.Path)
		step++
		switch step {
		case 1:
			w.Header().Set(sessionIDHeader, "session-1")
			fmt.Fprint(w, `{}`)
		case 2:
			require.Equal(t, "session-1", r.Header.Get(sessionIDHeader))
			fmt.Fprint(w, `{"state":{"continue":["password"]}}`)
		case 3:
			require.Equal(t, "session-1", r.Header.Get(sessionIDHeader))
			fmt.Fprint(w, `{"state":{"success":"token-1"}}`)
		}
	})

	c := NewClient(ts.server.URL, Options{})
	require.NoError(t, c.Authenticate("idm_admin", "hunter2"))
	assert.Equal(t, "session-1", c.headers.Get(sessionIDHeader))
	assert.Equal(t, "Bearer token-1", c.headers.Get("Authorization"))
}

func TestAuthenticateWrongPassword(t *testing.T) {
	step := 0
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		step++
		if step == 1 {
			w.Header().Set(sessionIDHeader, "session-1")
		}
		fmt.Fprint(w, `{"state":{}}`)
	})

	c := NewClient(ts.server.URL, Options{})
	err := c.Authenticate("idm_admin", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incorrect password")
}

func TestListEntities(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"attrs":{"name":["eng"],"uuid":["00000000-0000-0000-0000-000000000001"]}},
			{"attrs":{"member":["dangling"]}}
		]`)
	})

	c := NewClient(ts.server.URL, Options{})
	snapshot, err := c.ListEntities(EndpointGroup)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	entity, ok := snapshot.Get("eng")
	require.True(t, ok)
	id, err := entity.UUID()
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", id)
}

func TestUpdateEntityAttrsNoCallWhenNormalizedEqual(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"eng": {Attrs: map[string][]string{
			"name":   {"eng"},
			"uuid":   {"00000000-0000-0000-0000-000000000001"},
			"member": {"bob@idm.example.org", "alice@idm.example.org"},
		}},
	}

	require.NoError(t, c.UpdateEntityAttrs(EndpointGroup, snapshot, "eng", "member", []string{"alice", "bob"}, false))
	assert.Empty(t, ts.recorded(), "equal normalized values must not issue a request")
}

func TestUpdateEntityAttrsReplace(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"eng": {Attrs: map[string][]string{
			"name":   {"eng"},
			"uuid":   {"00000000-0000-0000-0000-000000000001"},
			"member": {"alice@idm.example.org"},
		}},
	}

	require.NoError(t, c.UpdateEntityAttrs(EndpointGroup, snapshot, "eng", "member", []string{"alice", "bob"}, false))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "PUT", requests[0].Method)
	assert.Equal(t, "/v1/group/00000000-0000-0000-0000-000000000001/_attr/member", requests[0].Path)
	assert.JSONEq(t, `["alice","bob"]`, requests[0].Body)
}

func TestUpdateEntityAttrsAppend(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"eng": {Attrs: map[string][]string{
			"name": {"eng"},
			"uuid": {"00000000-0000-0000-0000-000000000001"},
		}},
	}

	require.NoError(t, c.UpdateEntityAttrs(EndpointGroup, snapshot, "eng", "member", []string{"alice"}, true))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "POST", requests[0].Method)
}

func TestUpdateEntityAttrsDeleteWhenEmpty(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"alice": {Attrs: map[string][]string{
			"name": {"alice"},
			"uuid": {"00000000-0000-0000-0000-000000000002"},
			"mail": {"alice@example.org"},
		}},
	}

	require.NoError(t, c.UpdateEntityAttrs(EndpointPerson, snapshot, "alice", "mail", nil, false))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "DELETE", requests[0].Method)
	assert.Equal(t, "/v1/person/00000000-0000-0000-0000-000000000002/_attr/mail", requests[0].Path)
}

func TestUpdateEntityAttrsUnknownEntity(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	err := c.UpdateEntityAttrs(EndpointGroup, EntityMap{}, "ghost", "member", []string{"alice"}, false)
	var unknownErr *UnknownEntityError
	require.ErrorAs(t, err, &unknownErr)
	assert.Empty(t, ts.recorded())
}

func TestUpdateOAuth2AttrsPatchOnMismatch(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"forgejo": {Attrs: map[string][]string{
			"name":        {"forgejo"},
			"displayname": {"Old Name"},
		}},
	}

	require.NoError(t, c.UpdateOAuth2Attrs(snapshot, "forgejo", "displayname", []string{"Forgejo"}))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "PATCH", requests[0].Method)
	assert.Equal(t, "/v1/oauth2/forgejo", requests[0].Path)
	assert.JSONEq(t, `{"attrs":{"displayname":["Forgejo"]}}`, requests[0].Body)

	// same values again: no further call
	snapshot["forgejo"].Attrs["displayname"] = []string{"Forgejo"}
	require.NoError(t, c.UpdateOAuth2Attrs(snapshot, "forgejo", "displayname", []string{"Forgejo"}))
	assert.Len(t, ts.recorded(), 1)
}

func TestUpdateOAuth2MapCreateAndRemove(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"forgejo": {Attrs: map[string][]string{
			"name":                {"forgejo"},
			"oauth2_rs_scope_map": {`eng@idm.example.org: {"openid", "email"}`},
		}},
	}

	// matching set, different order: no call
	require.NoError(t, c.UpdateOAuth2Map("_scopemap", "oauth2_rs_scope_map", snapshot, "forgejo", "eng", []string{"email", "openid"}))
	assert.Empty(t, ts.recorded())

	// changed set: replace
	require.NoError(t, c.UpdateOAuth2Map("_scopemap", "oauth2_rs_scope_map", snapshot, "forgejo", "eng", []string{"openid"}))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "POST", requests[0].Method)
	assert.Equal(t, "/v1/oauth2/forgejo/_scopemap/eng", requests[0].Path)

	// empty set: remove mapping
	require.NoError(t, c.UpdateOAuth2Map("_scopemap", "oauth2_rs_scope_map", snapshot, "forgejo", "eng", nil))
	requests = ts.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "DELETE", requests[1].Method)
}

func TestUpdateOAuth2ClaimMapJoin(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	snapshot := EntityMap{
		"forgejo": {Attrs: map[string][]string{
			"name":                {"forgejo"},
			"oauth2_rs_claim_map": {`role:eng@idm.example.org:;:"dev"`},
		}},
	}

	// already array: no call
	require.NoError(t, c.UpdateOAuth2ClaimMapJoin(snapshot, "forgejo", "role", codec.JoinArray))
	assert.Empty(t, ts.recorded())

	require.NoError(t, c.UpdateOAuth2ClaimMapJoin(snapshot, "forgejo", "role", codec.JoinCSV))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "POST", requests[0].Method)
	assert.Equal(t, "/v1/oauth2/forgejo/_claimmap/role", requests[0].Path)
	assert.JSONEq(t, `"csv"`, requests[0].Body)
}

func TestUpdateOAuth2BasicSecret(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			json.NewEncoder(w).Encode("current-secret")
		}
	})
	c := NewClient(ts.server.URL, Options{})

	// unchanged: only the read happens
	require.NoError(t, c.UpdateOAuth2BasicSecret("forgejo", "current-secret"))
	requests := ts.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "GET", requests[0].Method)

	require.NoError(t, c.UpdateOAuth2BasicSecret("forgejo", "new-secret"))
	requests = ts.recorded()
	require.Len(t, requests, 3)
	assert.Equal(t, "PATCH", requests[2].Method)
	assert.Equal(t, "/v1/oauth2/forgejo", requests[2].Path)
	assert.JSONEq(t, `{"attrs":{"oauth2_rs_basic_secret":["new-secret"]}}`, requests[2].Body)
}

func TestUploadOAuth2ImageRejectsUnknownExtension(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.server.URL, Options{})

	err := c.UploadOAuth2Image("forgejo", "logo.bmp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported image file extension")
	assert.Empty(t, ts.recorded())
}

func TestAPIErrorCarriesBody(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"duplicate name"}`)
	})
	c := NewClient(ts.server.URL, Options{})

	err := c.CreateEntity(EndpointGroup, "eng", map[string][]string{"name": {"eng"}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Body, "duplicate name")
}
