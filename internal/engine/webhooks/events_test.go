package webhooks

import (
	"errors"
	"strings"
	"testing"
)

func TestParseEventType(t *testing.T) {
	got, err := ParseEventType("dashboard.created")
	if err != nil || got != EventDashboardCreated {
		t.Errorf("ParseEventType(dashboard.created) = %q, %v", got, err)
	}

	if _, err := ParseEventType("dashboard.exploded"); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("Expected ErrUnknownEventType, got %v", err)
	}
}

func TestCatalog_CoversEveryCategory(t *testing.T) {
	categories := map[string]bool{}
	for _, et := range EventTypes() {
		if et.Description() == "" {
			t.Errorf("%s has no description", et)
		}
		categories[strings.SplitN(string(et), ".", 2)[0]] = true
	}

	for _, c := range []string{"dashboard", "widget", "product", "user", "media", "price", "system"} {
		if !categories[c] {
			t.Errorf("catalog has no %s events", c)
		}
	}

	c := Catalog()
	c["dashboard.created"] = "changed"
	if EventDashboardCreated.Description() == "changed" {
		t.Error("Catalog() must return a copy")
	}
}
