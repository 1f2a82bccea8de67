package provision

import (
	"sort"

	"go.uber.org/zap"

	"github.com/oddlama/kanidm-provision/internal/kanidm"
)

// removeOrphans deletes every entity that was provisioned by an earlier
// run but is no longer declared. Each orphan is looked up in the fresh
// snapshots of all three kinds and deleted from whichever contains it;
// a name found in none was already removed and is skipped.
func (e *Engine) removeOrphans(provisioned Set[string], declared []string, groups, persons, oauth2s kanidm.EntityMap) error {
	e.log.Info("removing orphaned entities")
	orphans := provisioned.Copy()
	orphans.Difference(declared)

	names := orphans.ToArray()
	sort.Strings(names)
	for _, orphan := range names {
		var endpoint string
		switch {
		case groups.Has(orphan):
			endpoint = kanidm.EndpointGroup
		case persons.Has(orphan):
			endpoint = kanidm.EndpointPerson
		case oauth2s.Has(orphan):
			endpoint = kanidm.EndpointOAuth2
		default:
			e.log.Debug("orphan already removed", zap.String("name", orphan))
			continue
		}
		if err := e.dir.DeleteEntity(endpoint, orphan); err != nil {
			return err
		}
	}
	return nil
}
