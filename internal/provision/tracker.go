package provision

import (
	"github.com/oddlama/kanidm-provision/internal/codec"
	"github.com/oddlama/kanidm-provision/internal/kanidm"
)

// setupTracking creates the tracking group if it does not exist yet and
// reads its membership as the set of previously provisioned entity
// names. The returned snapshot reflects a creation when one happened.
func (e *Engine) setupTracking(groups kanidm.EntityMap) (Set[string], kanidm.EntityMap, error) {
	if _, exists := groups.Get(TrackingGroup); !exists {
		if err := e.dir.CreateEntity(kanidm.EndpointGroup, TrackingGroup, map[string][]string{"name": {TrackingGroup}}); err != nil {
			return nil, nil, err
		}
		var err error
		if groups, err = e.dir.ListEntities(kanidm.EndpointGroup); err != nil {
			return nil, nil, err
		}
	}

	entity, err := groups.MustGet(kanidm.EndpointGroup, TrackingGroup)
	if err != nil {
		return nil, nil, err
	}
	provisioned := MakeSet(codec.NormalizeSPNs(entity.Attr("member")))
	return provisioned, groups, nil
}
