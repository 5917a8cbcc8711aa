package webhooks

import "sort"

// EventType is one name from the closed event catalog.
type EventType string

const (
	EventDashboardCreated EventType = "dashboard.created"
	EventDashboardUpdated EventType = "dashboard.updated"
	EventDashboardDeleted EventType = "dashboard.deleted"
	EventDashboardShared  EventType = "dashboard.shared"

	EventWidgetCreated EventType = "widget.created"
	EventWidgetUpdated EventType = "widget.updated"
	EventWidgetDeleted EventType = "widget.deleted"

	EventProductCreated        EventType = "product.created"
	EventProductUpdated        EventType = "product.updated"
	EventProductDeleted        EventType = "product.deleted"
	EventProductFormulaChanged EventType = "product.formula_changed"

	EventUserCreated EventType = "user.created"
	EventUserUpdated EventType = "user.updated"
	EventUserDeleted EventType = "user.deleted"

	EventMediaUploaded EventType = "media.uploaded"
	EventMediaDeleted  EventType = "media.deleted"

	EventPriceUpdated     EventType = "price.updated"
	EventPriceSourceAdded EventType = "price.source_added"
	EventPriceSourceError EventType = "price.source_error"
	EventPriceAlert       EventType = "price.alert"

	EventSystemMaintenance EventType = "system.maintenance"
	EventSystemTest        EventType = "system.test"
)

var catalog = map[EventType]string{
	EventDashboardCreated: "A dashboard was created",
	EventDashboardUpdated: "A dashboard was updated",
	EventDashboardDeleted: "A dashboard was deleted",
	EventDashboardShared:  "A dashboard was shared with another user",

	EventWidgetCreated: "A widget was added to a dashboard",
	EventWidgetUpdated: "A widget was updated",
	EventWidgetDeleted: "A widget was removed from a dashboard",

	EventProductCreated:        "A custom product was created",
	EventProductUpdated:        "A custom product was updated",
	EventProductDeleted:        "A custom product was deleted",
	EventProductFormulaChanged: "The price formula of a product changed",

	EventUserCreated: "A user account was created",
	EventUserUpdated: "A user profile was updated",
	EventUserDeleted: "A user account was deleted",

	EventMediaUploaded: "A media file was uploaded",
	EventMediaDeleted:  "A media file was deleted",

	EventPriceUpdated:     "A tracked price changed",
	EventPriceSourceAdded: "A price source was added",
	EventPriceSourceError: "A price source failed to ingest",
	EventPriceAlert:       "A price crossed an alert threshold",

	EventSystemMaintenance: "Scheduled maintenance notice",
	EventSystemTest:        "Test event used by webhook probes",
}

func (t EventType) Valid() bool {
	_, ok := catalog[t]
	return ok
}

func (t EventType) Description() string {
	return catalog[t]
}

func (t EventType) String() string {
	return string(t)
}

// ParseEventType returns ErrUnknownEventType for names outside the catalog.
func ParseEventType(name string) (EventType, error) {
	t := EventType(name)
	if !t.Valid() {
		return "", ErrUnknownEventType
	}
	return t, nil
}

// Catalog returns a copy of the event type descriptions keyed by name.
func Catalog() map[string]string {
	out := make(map[string]string, len(catalog))
	for t, d := range catalog {
		out[string(t)] = d
	}
	return out
}

// EventTypes returns every catalog entry sorted by name.
func EventTypes() []EventType {
	types := make([]EventType, 0, len(catalog))
	for t := range catalog {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
