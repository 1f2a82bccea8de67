// Package provision computes and applies the difference between the
// declared directory state and the live state of a kanidm instance. It
// issues the minimal set of create, update and delete calls, tracks
// every provisioned entity in a dedicated group, and removes entities
// that dropped out of the declaration.
package provision

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/oddlama/kanidm-provision/internal/codec"
	"github.com/oddlama/kanidm-provision/internal/kanidm"
	"github.com/oddlama/kanidm-provision/internal/state"
)

// TrackingGroup is the reserved group whose membership records every
// entity this tool has ever provisioned. It must never be declared in a
// state file.
const TrackingGroup = "ext_idm_provisioned_entities"

const publicClientClass = "oauth2_resource_server_public"

// Directory is the subset of the kanidm API the engine consumes.
// *kanidm.Client implements it; tests substitute an in-memory fake.
type Directory interface {
	ListEntities(endpoint string) (kanidm.EntityMap, error)
	CreateEntity(endpoint, name string, attrs map[string][]string) error
	DeleteEntity(endpoint, name string) error
	UpdateEntityAttrs(endpoint string, entities kanidm.EntityMap, name, attr string, values []string, appendValues bool) error
	UpdateOAuth2Attrs(entities kanidm.EntityMap, name, attr string, values []string) error
	UpdateOAuth2Map(endpointName, attrName string, entities kanidm.EntityMap, name, group string, scopes []string) error
	UpdateOAuth2ClaimMap(entities kanidm.EntityMap, name, claim, group string, values []string) error
	UpdateOAuth2ClaimMapJoin(entities kanidm.EntityMap, name, claim string, joinType codec.JoinType) error
	UpdateOAuth2BasicSecret(name, secret string) error
	UploadOAuth2Image(name, path string) error
}

// Engine reconciles one state document against the directory. Execution
// is strictly sequential; any error aborts the run. Re-running after a
// failure is safe because every write is preceded by a diff and the
// tracking group is only ever appended to.
type Engine struct {
	dir               Directory
	log               *zap.Logger
	autoRemoveOrphans bool
}

// NewEngine creates a reconciliation engine. When autoRemoveOrphans is
// set, entities recorded in the tracking group but absent from the
// declaration are deleted at the end of the run.
func NewEngine(dir Directory, logger *zap.Logger, autoRemoveOrphans bool) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{dir: dir, log: logger, autoRemoveOrphans: autoRemoveOrphans}
}

// Run executes one full reconciliation pass.
func (e *Engine) Run(st *state.State) error {
	// Validated before anything is fetched or mutated.
	declared, err := st.EntityNames()
	if err != nil {
		return err
	}

	groups, err := e.dir.ListEntities(kanidm.EndpointGroup)
	if err != nil {
		return err
	}
	persons, err := e.dir.ListEntities(kanidm.EndpointPerson)
	if err != nil {
		return err
	}
	oauth2s, err := e.dir.ListEntities(kanidm.EndpointOAuth2)
	if err != nil {
		return err
	}

	// Names already taken remotely, across all kinds. Creation of a
	// declared entity whose name collides with an entity of another
	// kind must fail instead of corrupting it.
	preexisting := NewSet[string]()
	preexisting.Union(groups.Names())
	preexisting.Union(persons.Names())
	preexisting.Union(oauth2s.Names())

	provisioned, groups, err := e.setupTracking(groups)
	if err != nil {
		return err
	}

	if groups, err = e.syncGroups(st, groups, preexisting); err != nil {
		return err
	}
	if persons, err = e.syncPersons(st, persons, preexisting); err != nil {
		return err
	}
	if oauth2s, err = e.syncOAuth2s(st, oauth2s, preexisting); err != nil {
		return err
	}

	e.log.Info("syncing group members")
	for _, name := range sortedKeys(st.Groups) {
		group := st.Groups[name]
		if !group.Present {
			continue
		}
		if err = e.dir.UpdateEntityAttrs(kanidm.EndpointGroup, groups, name, "member", group.Members, false); err != nil {
			return err
		}
	}

	// Entity deletions above may have outdated the group snapshot
	// (e.g. an oauth2 type switch), so refetch before touching the
	// tracking group. The membership update is append-only: a crash
	// can never make the tool forget an entity it created.
	e.log.Info("tracking provisioned entities")
	if groups, err = e.dir.ListEntities(kanidm.EndpointGroup); err != nil {
		return err
	}
	if err = e.dir.UpdateEntityAttrs(kanidm.EndpointGroup, groups, TrackingGroup, "member", declared, true); err != nil {
		return err
	}

	if e.autoRemoveOrphans {
		return e.removeOrphans(provisioned, declared, groups, persons, oauth2s)
	}
	return nil
}

// syncGroups ensures every declared group exists (or is deleted when
// declared absent). Members are reconciled later, once persons and
// oauth2 clients exist as well.
func (e *Engine) syncGroups(st *state.State, groups kanidm.EntityMap, preexisting Set[string]) (kanidm.EntityMap, error) {
	e.log.Info("syncing groups")
	for _, name := range sortedKeys(st.Groups) {
		group := st.Groups[name]
		switch {
		case group.Present:
			if _, exists := groups.Get(name); exists {
				continue
			}
			if preexisting.Has(name) {
				return nil, fmt.Errorf("cannot create group %q because the name is already in use by another entity", name)
			}
			if err := e.dir.CreateEntity(kanidm.EndpointGroup, name, map[string][]string{"name": {name}}); err != nil {
				return nil, err
			}
			var err error
			if groups, err = e.dir.ListEntities(kanidm.EndpointGroup); err != nil {
				return nil, err
			}
		default:
			if _, exists := groups.Get(name); exists {
				if err := e.dir.DeleteEntity(kanidm.EndpointGroup, name); err != nil {
					return nil, err
				}
			}
		}
	}
	return groups, nil
}

// syncPersons ensures every declared person exists with its declared
// attributes.
func (e *Engine) syncPersons(st *state.State, persons kanidm.EntityMap, preexisting Set[string]) (kanidm.EntityMap, error) {
	e.log.Info("syncing persons")
	for _, name := range sortedKeys(st.Persons) {
		person := st.Persons[name]
		if !person.Present {
			if _, exists := persons.Get(name); exists {
				if err := e.dir.DeleteEntity(kanidm.EndpointPerson, name); err != nil {
					return nil, err
				}
			}
			continue
		}

		if _, exists := persons.Get(name); !exists {
			if preexisting.Has(name) {
				return nil, fmt.Errorf("cannot create person %q because the name is already in use by another entity", name)
			}
			err := e.dir.CreateEntity(kanidm.EndpointPerson, name, map[string][]string{
				"name":        {name},
				"displayname": {person.DisplayName},
			})
			if err != nil {
				return nil, err
			}
			if persons, err = e.dir.ListEntities(kanidm.EndpointPerson); err != nil {
				return nil, err
			}
		}

		attrs := []struct {
			name   string
			values []string
		}{
			{"displayname", []string{person.DisplayName}},
			{"legalname", optional(person.LegalName)},
			{"mail", person.MailAddresses},
		}
		for _, attr := range attrs {
			if err := e.dir.UpdateEntityAttrs(kanidm.EndpointPerson, persons, name, attr.name, attr.values, false); err != nil {
				return nil, err
			}
		}
	}
	return persons, nil
}

// syncOAuth2s ensures every declared oauth2 resource server exists in
// its declared variant with its declared attributes, scope maps and
// claim maps.
func (e *Engine) syncOAuth2s(st *state.State, oauth2s kanidm.EntityMap, preexisting Set[string]) (kanidm.EntityMap, error) {
	e.log.Info("syncing oauth2 resource servers")
	for _, name := range sortedKeys(st.Systems.OAuth2) {
		client := st.Systems.OAuth2[name]
		if !client.Present {
			if _, exists := oauth2s.Get(name); exists {
				if err := e.dir.DeleteEntity(kanidm.EndpointOAuth2, name); err != nil {
					return nil, err
				}
			}
			continue
		}

		var err error
		if oauth2s, err = e.ensureOAuth2(name, client, oauth2s, preexisting); err != nil {
			return nil, err
		}
		if err = e.syncOAuth2Attrs(name, client, oauth2s); err != nil {
			return nil, err
		}
		if err = e.syncOAuth2Maps(name, client, oauth2s); err != nil {
			return nil, err
		}
		if err = e.syncOAuth2ClaimMaps(name, client, oauth2s); err != nil {
			return nil, err
		}
		if err = e.syncOAuth2Extras(name, client); err != nil {
			return nil, err
		}
	}
	return oauth2s, nil
}

// ensureOAuth2 creates the client if needed. The public/basic variant
// is immutable in place, so a type mismatch deletes and recreates the
// client before any attribute work.
func (e *Engine) ensureOAuth2(name string, client state.OAuth2Client, oauth2s kanidm.EntityMap, preexisting Set[string]) (kanidm.EntityMap, error) {
	create := false
	if entity, exists := oauth2s.Get(name); exists {
		if entity.HasClass(publicClientClass) != client.Public {
			if err := e.dir.DeleteEntity(kanidm.EndpointOAuth2, name); err != nil {
				return nil, err
			}
			create = true
		}
	} else {
		if preexisting.Has(name) {
			return nil, fmt.Errorf("cannot create oauth2 resource server %q because the name is already in use by another entity", name)
		}
		create = true
	}
	if !create {
		return oauth2s, nil
	}

	endpoint := kanidm.EndpointOAuth2 + "/_basic"
	if client.Public {
		endpoint = kanidm.EndpointOAuth2 + "/_public"
	}
	err := e.dir.CreateEntity(endpoint, name, map[string][]string{
		"name":                     {name},
		"oauth2_rs_origin":         client.OriginURL,
		"oauth2_rs_origin_landing": {client.OriginLanding},
		"displayname":              {client.DisplayName},
	})
	if err != nil {
		return nil, err
	}
	return e.dir.ListEntities(kanidm.EndpointOAuth2)
}

// syncOAuth2Attrs reconciles the scalar attributes. Which flags apply
// depends on the variant; declaring a flag for the wrong variant is
// ignored with a warning.
func (e *Engine) syncOAuth2Attrs(name string, client state.OAuth2Client, oauth2s kanidm.EntityMap) error {
	attrs := map[string][]string{
		"displayname":                     {client.DisplayName},
		"oauth2_rs_origin_landing":        {client.OriginLanding},
		"oauth2_jwt_legacy_crypto_enable": {strconv.FormatBool(client.EnableLegacyCrypto)},
		"oauth2_prefer_short_username":    {strconv.FormatBool(client.PreferShortUsername)},
	}
	if client.Public {
		if client.AllowInsecureClientDisablePkce {
			e.log.Warn("ignoring allowInsecureClientDisablePkce for public client", zap.String("client", name))
		}
		attrs["oauth2_allow_localhost_redirect"] = []string{strconv.FormatBool(client.EnableLocalhostRedirects)}
	} else {
		if client.EnableLocalhostRedirects {
			e.log.Warn("ignoring enableLocalhostRedirects for confidential client", zap.String("client", name))
		}
		attrs["oauth2_allow_insecure_client_disable_pkce"] = []string{strconv.FormatBool(client.AllowInsecureClientDisablePkce)}
	}

	for _, attr := range sortedKeys(attrs) {
		if err := e.dir.UpdateOAuth2Attrs(oauth2s, name, attr, attrs[attr]); err != nil {
			return err
		}
	}
	return e.dir.UpdateOAuth2Attrs(oauth2s, name, "oauth2_rs_origin", client.OriginURL)
}

// syncOAuth2Maps reconciles scope maps and supplementary scope maps.
func (e *Engine) syncOAuth2Maps(name string, client state.OAuth2Client, oauth2s kanidm.EntityMap) error {
	for _, group := range sortedKeys(client.ScopeMaps) {
		if err := e.dir.UpdateOAuth2Map("_scopemap", "oauth2_rs_scope_map", oauth2s, name, group, client.ScopeMaps[group]); err != nil {
			return err
		}
	}
	for _, group := range sortedKeys(client.SupplementaryScopeMaps) {
		if err := e.dir.UpdateOAuth2Map("_sup_scopemap", "oauth2_rs_sup_scope_map", oauth2s, name, group, client.SupplementaryScopeMaps[group]); err != nil {
			return err
		}
	}
	return nil
}

// syncOAuth2ClaimMaps reconciles claim values per group and the join
// type per claim, then removes remotely present claim/group pairs that
// are no longer declared (when enabled for the client).
func (e *Engine) syncOAuth2ClaimMaps(name string, client state.OAuth2Client, oauth2s kanidm.EntityMap) error {
	for _, claim := range sortedKeys(client.ClaimMaps) {
		claimMap := client.ClaimMaps[claim]
		joinType, err := codec.ParseJoinType(claimMap.JoinType)
		if err != nil {
			return fmt.Errorf("oauth2 resource server %q, claim %q: %w", name, claim, err)
		}
		for _, group := range sortedKeys(claimMap.ValuesByGroup) {
			if err := e.dir.UpdateOAuth2ClaimMap(oauth2s, name, claim, group, claimMap.ValuesByGroup[group]); err != nil {
				return err
			}
		}
		if err := e.dir.UpdateOAuth2ClaimMapJoin(oauth2s, name, claim, joinType); err != nil {
			return err
		}
	}

	if !client.RemoveOrphanedClaimMaps {
		return nil
	}
	entity, err := oauth2s.MustGet(kanidm.EndpointOAuth2, name)
	if err != nil {
		return err
	}
	entries, err := codec.ParseClaimMapEntries(entity.Attr("oauth2_rs_claim_map"))
	if err != nil {
		return fmt.Errorf("entity %s/%s: %w", kanidm.EndpointOAuth2, name, err)
	}
	for _, entry := range entries {
		declared := false
		if claimMap, ok := client.ClaimMaps[entry.Claim]; ok {
			_, declared = claimMap.ValuesByGroup[entry.Group]
		}
		if !declared {
			if err := e.dir.UpdateOAuth2ClaimMap(oauth2s, name, entry.Claim, entry.Group, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// syncOAuth2Extras handles the basic secret and the client image.
func (e *Engine) syncOAuth2Extras(name string, client state.OAuth2Client) error {
	if client.BasicSecretFile != "" {
		if client.Public {
			e.log.Warn("ignoring basicSecretFile for public client", zap.String("client", name))
		} else {
			content, err := os.ReadFile(client.BasicSecretFile)
			if err != nil {
				return fmt.Errorf("failed to read basic secret file for %q: %w", name, err)
			}
			if err := e.dir.UpdateOAuth2BasicSecret(name, strings.TrimSpace(string(content))); err != nil {
				return err
			}
		}
	}
	if client.ImageFile != "" {
		if err := e.dir.UploadOAuth2Image(name, client.ImageFile); err != nil {
			return err
		}
	}
	return nil
}

// optional turns an optional scalar into a value list, where unset
// means "attribute absent".
func optional(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
