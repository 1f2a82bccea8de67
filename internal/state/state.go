// Package state models the declarative description of the desired
// directory contents and loads it from a YAML or JSON document.
package state

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Group declares a kanidm group and its desired member list.
type Group struct {
	Present bool     `yaml:"present"`
	Members []string `yaml:"members"`
}

// Person declares a kanidm person account.
type Person struct {
	Present       bool     `yaml:"present"`
	DisplayName   string   `yaml:"displayName"`
	LegalName     string   `yaml:"legalName"`
	MailAddresses []string `yaml:"mailAddresses"`
}

// ClaimMap declares the values a claim assumes for members of each
// group, plus the join type used to combine multiple values.
type ClaimMap struct {
	JoinType      string              `yaml:"joinType"`
	ValuesByGroup map[string][]string `yaml:"valuesByGroup"`
}

// OAuth2Client declares an oauth2 resource server. Public clients use
// PKCE without a secret, confidential ("basic") clients carry one.
type OAuth2Client struct {
	Present                        bool                `yaml:"present"`
	Public                         bool                `yaml:"public"`
	DisplayName                    string              `yaml:"displayName"`
	BasicSecretFile                string              `yaml:"basicSecretFile"`
	ImageFile                      string              `yaml:"imageFile"`
	OriginURL                      URLList             `yaml:"originUrl"`
	OriginLanding                  string              `yaml:"originLanding"`
	EnableLocalhostRedirects       bool                `yaml:"enableLocalhostRedirects"`
	EnableLegacyCrypto             bool                `yaml:"enableLegacyCrypto"`
	AllowInsecureClientDisablePkce bool                `yaml:"allowInsecureClientDisablePkce"`
	PreferShortUsername            bool                `yaml:"preferShortUsername"`
	ScopeMaps                      map[string][]string `yaml:"scopeMaps"`
	SupplementaryScopeMaps         map[string][]string `yaml:"supplementaryScopeMaps"`
	RemoveOrphanedClaimMaps        bool                `yaml:"removeOrphanedClaimMaps"`
	ClaimMaps                      map[string]ClaimMap `yaml:"claimMaps"`
}

// Systems groups the non-account entity kinds.
type Systems struct {
	OAuth2 map[string]OAuth2Client `yaml:"oauth2"`
}

// State is the root of the declaration document.
type State struct {
	Groups  map[string]Group  `yaml:"groups"`
	Persons map[string]Person `yaml:"persons"`
	Systems Systems           `yaml:"systems"`
}

// URLList accepts either a single URL string or a list of them.
type URLList []string

func (u *URLList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*u = URLList{single}
		return nil
	default:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*u = URLList(many)
		return nil
	}
}

// UnmarshalYAML applies the document defaults: entities are present
// unless declared otherwise.
func (g *Group) UnmarshalYAML(value *yaml.Node) error {
	type plain Group
	p := plain{Present: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*g = Group(p)
	return nil
}

func (p *Person) UnmarshalYAML(value *yaml.Node) error {
	type plain Person
	pp := plain{Present: true}
	if err := value.Decode(&pp); err != nil {
		return err
	}
	*p = Person(pp)
	return nil
}

func (o *OAuth2Client) UnmarshalYAML(value *yaml.Node) error {
	type plain OAuth2Client
	p := plain{Present: true, RemoveOrphanedClaimMaps: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*o = OAuth2Client(p)
	return nil
}

// Load reads and parses a state document. YAML is a superset of JSON,
// so plain JSON state files work as well.
func Load(path string) (*State, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var s State
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return &s, nil
}

// ValidationError reports declaration problems found before any call is
// made to the server, aggregated so one run surfaces all of them.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid state document:\n  %s", strings.Join(e.Problems, "\n  "))
}

// EntityNames returns the names of all declared entities, sorted, after
// verifying that the groups, persons and oauth2 collections share one
// unique namespace. Duplicates across kinds are collected into a single
// ValidationError naming every offender.
func (s *State) EntityNames() ([]string, error) {
	kindsByName := make(map[string][]string)
	for name := range s.Groups {
		kindsByName[name] = append(kindsByName[name], "group")
	}
	for name := range s.Persons {
		kindsByName[name] = append(kindsByName[name], "person")
	}
	for name := range s.Systems.OAuth2 {
		kindsByName[name] = append(kindsByName[name], "oauth2")
	}

	names := make([]string, 0, len(kindsByName))
	for name := range kindsByName {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		if kinds := kindsByName[name]; len(kinds) > 1 {
			sort.Strings(kinds)
			problems = append(problems, fmt.Sprintf("%q is declared multiple times, as %s", name, strings.Join(kinds, " and ")))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return names, nil
}
