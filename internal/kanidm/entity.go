package kanidm

import (
	"fmt"

	"github.com/google/uuid"
)

// Entity is the remote representation of any kanidm object: a bag of
// attributes, each holding an ordered list of string values.
type Entity struct {
	Attrs map[string][]string `json:"attrs"`
}

// Attr returns the values of an attribute. A missing attribute reads as
// an empty list; malformed shapes are rejected earlier, when the server
// response is decoded.
func (e Entity) Attr(name string) []string {
	return e.Attrs[name]
}

// FirstAttr returns the first value of an attribute, or "" when unset.
func (e Entity) FirstAttr(name string) string {
	if values := e.Attrs[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Name returns the entity name, the key all lookups go through.
func (e Entity) Name() string {
	return e.FirstAttr("name")
}

// UUID returns the validated entity uuid. Attribute updates address
// entities by uuid, so a missing or garbled value is an error rather
// than an empty string fed into a URL.
func (e Entity) UUID() (string, error) {
	raw := e.FirstAttr("uuid")
	if raw == "" {
		return "", fmt.Errorf("entity %q has no uuid attribute", e.Name())
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("entity %q has invalid uuid %q: %w", e.Name(), raw, err)
	}
	return raw, nil
}

// HasClass reports whether the entity carries the given object class.
func (e Entity) HasClass(class string) bool {
	for _, c := range e.Attr("class") {
		if c == class {
			return true
		}
	}
	return false
}

// EntityMap is a snapshot of all entities behind one endpoint, keyed by
// name. It is an explicit value: callers refetch it whenever an
// entity's existence or type changed, and decisions are only ever made
// against the snapshot they hold.
type EntityMap map[string]Entity

// Get looks up an entity by name.
func (m EntityMap) Get(name string) (Entity, bool) {
	e, ok := m[name]
	return e, ok
}

// Has reports whether an entity with the given name is present.
func (m EntityMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// MustGet looks up an entity that callers expect to exist. A miss means
// the snapshot is stale or the declaration references an entity that
// was never created, and aborts the run.
func (m EntityMap) MustGet(endpoint, name string) (Entity, error) {
	e, ok := m[name]
	if !ok {
		return Entity{}, &UnknownEntityError{Endpoint: endpoint, Name: name}
	}
	return e, nil
}

// Names returns the entity names present in the snapshot.
func (m EntityMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// UnknownEntityError reports an operation against an entity that is
// absent from the current snapshot.
type UnknownEntityError struct {
	Endpoint string
	Name     string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity %s/%s (stale snapshot or undeclared reference)", e.Endpoint, e.Name)
}
