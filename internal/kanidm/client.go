// Package kanidm talks to the kanidm v1 HTTP API. It exposes only the
// primitives the reconciler needs: entity listing, creation and
// deletion, diff-before-write attribute updates, and the oauth2
// sub-resources (scope maps, claim maps, basic secret, image).
package kanidm

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/oddlama/kanidm-provision/internal/codec"
)

const (
	EndpointAuth   = "/v1/auth"
	EndpointGroup  = "/v1/group"
	EndpointPerson = "/v1/person"
	EndpointOAuth2 = "/v1/oauth2"
)

const sessionIDHeader = "X-KANIDM-AUTH-SESSION-ID"

// APIError is any response the server answered with a non-success
// status. The body is kept verbatim since kanidm reports the actual
// cause there.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.Path, e.Status)
}

// Options configures a Client.
type Options struct {
	// AcceptInvalidCerts disables TLS certificate verification, e.g.
	// for testing instances.
	AcceptInvalidCerts bool
	Logger             *zap.Logger
}

// Client is a session-authenticated kanidm API client. All methods are
// blocking and issue at most one request at a time.
type Client struct {
	url     string
	http    *http.Client
	headers http.Header
	log     *zap.Logger
}

// NewClient prepares an unauthenticated client for the given instance
// URL. Call Authenticate before any other method.
func NewClient(url string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := http.DefaultClient
	if opts.AcceptInvalidCerts {
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	return &Client{
		url:     strings.TrimRight(url, "/"),
		http:    httpClient,
		headers: make(http.Header),
		log:     logger,
	}
}

// Authenticate runs the three-step password handshake and stores the
// resulting session id and bearer token for all subsequent requests.
func (c *Client) Authenticate(user, password string) error {
	rs, err := c.send("POST", EndpointAuth, map[string]any{"step": map[string]any{"init": user}}, nil)
	if err != nil {
		return err
	}
	sessionID := rs.Header.Get(sessionIDHeader)
	rs.Body.Close()
	if sessionID == "" {
		return fmt.Errorf("no session id was returned by the server")
	}

	sessionHeaders := http.Header{sessionIDHeader: []string{sessionID}}
	if err = c.exec("POST", EndpointAuth, map[string]any{"step": map[string]any{"begin": "password"}}, sessionHeaders, nil); err != nil {
		return err
	}

	var credResponse struct {
		State struct {
			Success string `json:"success"`
		} `json:"state"`
	}
	if err = c.exec("POST", EndpointAuth, map[string]any{"step": map[string]any{"cred": map[string]any{"password": password}}}, sessionHeaders, &credResponse); err != nil {
		return err
	}
	if credResponse.State.Success == "" {
		return fmt.Errorf("no token found in auth response (incorrect password?)")
	}

	c.headers.Set(sessionIDHeader, sessionID)
	c.headers.Set("Authorization", "Bearer "+credResponse.State.Success)
	return nil
}

// send issues one request and returns the raw response, converting
// non-success statuses into an APIError carrying the response body.
func (c *Client) send(method, path string, payload any, extraHeaders http.Header) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	rq, err := http.NewRequest(method, c.url+path, body)
	if err != nil {
		return nil, err
	}
	for key, values := range c.headers {
		rq.Header[key] = values
	}
	for key, values := range extraHeaders {
		rq.Header[key] = values
	}
	if payload != nil {
		rq.Header.Set("Content-Type", "application/json")
	}

	rs, err := c.http.Do(rq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if rs.StatusCode >= 300 {
		defer rs.Body.Close()
		responseBody, _ := io.ReadAll(rs.Body)
		return nil, &APIError{Method: method, Path: path, Status: rs.StatusCode, Body: strings.TrimSpace(string(responseBody))}
	}
	return rs, nil
}

// exec issues one request and optionally decodes the JSON response into
// out.
func (c *Client) exec(method, path string, payload any, extraHeaders http.Header, out any) error {
	rs, err := c.send(method, path, payload, extraHeaders)
	if err != nil {
		return err
	}
	defer rs.Body.Close()
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(rs.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// ListEntities fetches all entities behind an endpoint, keyed by name.
// Entities without a name attribute are skipped.
func (c *Client) ListEntities(endpoint string) (EntityMap, error) {
	var entities []Entity
	if err := c.exec("GET", endpoint, nil, nil, &entities); err != nil {
		return nil, err
	}
	snapshot := make(EntityMap, len(entities))
	for _, entity := range entities {
		if name := entity.Name(); name != "" {
			snapshot[name] = entity
		}
	}
	return snapshot, nil
}

// CreateEntity creates a new entity with the given initial attributes.
func (c *Client) CreateEntity(endpoint, name string, attrs map[string][]string) error {
	c.log.Info("creating entity", zap.String("entity", endpoint+"/"+name))
	return c.exec("POST", endpoint, map[string]any{"attrs": attrs}, nil, nil)
}

// DeleteEntity removes an entity by name.
func (c *Client) DeleteEntity(endpoint, name string) error {
	c.log.Info("deleting entity", zap.String("entity", endpoint+"/"+name))
	return c.exec("DELETE", endpoint+"/"+name, nil, nil, nil)
}

// UpdateEntityAttrs reconciles one attribute of one entity. Member
// values are normalized (realm qualification stripped, sorted) before
// comparison. When the normalized values already match, no request is
// made. Otherwise exactly one of delete-attribute, append-values or
// replace-values is issued.
func (c *Client) UpdateEntityAttrs(endpoint string, entities EntityMap, name, attr string, values []string, appendValues bool) error {
	entity, err := entities.MustGet(endpoint, name)
	if err != nil {
		return err
	}
	entityUUID, err := entity.UUID()
	if err != nil {
		return err
	}

	current := entity.Attr(attr)
	desired := values
	if attr == "member" {
		current = codec.NormalizeSPNs(current)
		desired = codec.NormalizeSPNs(values)
	}
	if equalValues(current, desired) {
		return nil
	}
	if len(values) == 0 && appendValues {
		// nothing to append
		return nil
	}

	path := endpoint + "/" + entityUUID + "/_attr/" + attr
	c.log.Info("updating attribute", zap.String("entity", endpoint+"/"+name), zap.String("attr", attr))
	switch {
	case len(values) == 0:
		return c.exec("DELETE", path, nil, nil, nil)
	case appendValues:
		return c.exec("POST", path, values, nil, nil)
	default:
		return c.exec("PUT", path, values, nil, nil)
	}
}

// UpdateOAuth2Attrs reconciles one scalar attribute of an oauth2
// resource server via PATCH, skipping the request when the current
// values already match.
func (c *Client) UpdateOAuth2Attrs(entities EntityMap, name, attr string, values []string) error {
	entity, err := entities.MustGet(EndpointOAuth2, name)
	if err != nil {
		return err
	}
	if equalValues(entity.Attr(attr), values) {
		return nil
	}
	c.log.Info("updating attribute", zap.String("entity", EndpointOAuth2+"/"+name), zap.String("attr", attr))
	return c.exec("PATCH", EndpointOAuth2+"/"+name, map[string]any{"attrs": map[string][]string{attr: values}}, nil, nil)
}

// UpdateOAuth2Map reconciles the scope map (or supplementary scope map)
// entry of one group. An empty desired scope set removes the mapping.
func (c *Client) UpdateOAuth2Map(endpointName, attrName string, entities EntityMap, name, group string, scopes []string) error {
	entity, err := entities.MustGet(EndpointOAuth2, name)
	if err != nil {
		return err
	}
	current, _, err := codec.FindScopeMap(entity.Attr(attrName), group)
	if err != nil {
		return fmt.Errorf("entity %s/%s: %w", EndpointOAuth2, name, err)
	}
	if equalSets(current, scopes) {
		return nil
	}

	path := EndpointOAuth2 + "/" + name + "/" + endpointName + "/" + group
	c.log.Info("updating attribute",
		zap.String("entity", EndpointOAuth2+"/"+name),
		zap.String("attr", attrName+"/"+group))
	if len(scopes) == 0 {
		return c.exec("DELETE", path, nil, nil, nil)
	}
	return c.exec("POST", path, scopes, nil, nil)
}

// UpdateOAuth2ClaimMap reconciles the claim values of one claim/group
// pair. An empty desired value set removes the mapping.
func (c *Client) UpdateOAuth2ClaimMap(entities EntityMap, name, claim, group string, values []string) error {
	entity, err := entities.MustGet(EndpointOAuth2, name)
	if err != nil {
		return err
	}
	current, _, err := codec.FindClaimMap(entity.Attr("oauth2_rs_claim_map"), claim, group)
	if err != nil {
		return fmt.Errorf("entity %s/%s: %w", EndpointOAuth2, name, err)
	}
	if equalSets(current, values) {
		return nil
	}

	path := EndpointOAuth2 + "/" + name + "/_claimmap/" + claim + "/" + group
	c.log.Info("updating attribute",
		zap.String("entity", EndpointOAuth2+"/"+name),
		zap.String("attr", "oauth2_rs_claim_map/"+claim+"/"+group))
	if len(values) == 0 {
		return c.exec("DELETE", path, nil, nil, nil)
	}
	return c.exec("POST", path, values, nil, nil)
}

// UpdateOAuth2ClaimMapJoin reconciles the join type of one claim. The
// current join type is derived from the delimiter embedded in any
// existing entry for the claim.
func (c *Client) UpdateOAuth2ClaimMapJoin(entities EntityMap, name, claim string, joinType codec.JoinType) error {
	entity, err := entities.MustGet(EndpointOAuth2, name)
	if err != nil {
		return err
	}
	current, err := codec.FindClaimJoinType(entity.Attr("oauth2_rs_claim_map"), claim)
	if err != nil {
		return fmt.Errorf("entity %s/%s: %w", EndpointOAuth2, name, err)
	}
	if current == joinType {
		return nil
	}
	c.log.Info("updating attribute",
		zap.String("entity", EndpointOAuth2+"/"+name),
		zap.String("attr", "oauth2_rs_claim_map_join/"+claim))
	return c.exec("POST", EndpointOAuth2+"/"+name+"/_claimmap/"+claim, string(joinType), nil, nil)
}

// GetOAuth2BasicSecret fetches the current basic secret of a
// confidential client. A client without a secret reads as "".
func (c *Client) GetOAuth2BasicSecret(name string) (string, error) {
	var secret *string
	if err := c.exec("GET", EndpointOAuth2+"/"+name+"/_basic_secret", nil, nil, &secret); err != nil {
		return "", err
	}
	if secret == nil {
		return "", nil
	}
	return *secret, nil
}

// UpdateOAuth2BasicSecret patches the basic secret when it differs from
// the current one.
func (c *Client) UpdateOAuth2BasicSecret(name, secret string) error {
	current, err := c.GetOAuth2BasicSecret(name)
	if err != nil {
		return err
	}
	if current == secret {
		return nil
	}
	c.log.Info("updating attribute",
		zap.String("entity", EndpointOAuth2+"/"+name),
		zap.String("attr", "oauth2_rs_basic_secret"))
	return c.exec("PATCH", EndpointOAuth2+"/"+name, map[string]any{"attrs": map[string][]string{"oauth2_rs_basic_secret": {secret}}}, nil, nil)
}

// imageContentTypes are the image formats the server accepts.
var imageContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
}

// UploadOAuth2Image uploads the client icon as multipart form data. The
// server offers no way to read the current image back, so the upload is
// unconditional.
func (c *Client) UploadOAuth2Image(name, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	contentType, ok := imageContentTypes[ext]
	if !ok {
		return fmt.Errorf("unsupported image file extension %q for %s, must be one of png, jpg, jpeg, gif, svg or webp", ext, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filepath.Base(path)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err = part.Write(content); err != nil {
		return err
	}
	if err = writer.Close(); err != nil {
		return err
	}

	c.log.Info("uploading image", zap.String("entity", EndpointOAuth2+"/"+name), zap.String("file", path))
	rq, err := http.NewRequest("POST", c.url+EndpointOAuth2+"/"+name+"/_image", &body)
	if err != nil {
		return err
	}
	for key, values := range c.headers {
		rq.Header[key] = values
	}
	rq.Header.Set("Content-Type", writer.FormDataContentType())

	rs, err := c.http.Do(rq)
	if err != nil {
		return fmt.Errorf("POST %s/_image: %w", EndpointOAuth2+"/"+name, err)
	}
	defer rs.Body.Close()
	if rs.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(rs.Body)
		return &APIError{Method: "POST", Path: EndpointOAuth2 + "/" + name + "/_image", Status: rs.StatusCode, Body: strings.TrimSpace(string(responseBody))}
	}
	return nil
}

// equalValues compares two value lists element-wise.
func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalSets compares two value lists ignoring order.
func equalSets(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return equalValues(as, bs)
}
