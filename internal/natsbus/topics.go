package natsbus

import (
	"fmt"
	"strings"
)

// Event subjects are events.<kind>.<tenant>.

func TopicEvents(kind, tenantID string) string {
	return fmt.Sprintf("events.%s.%s", token(kind), token(tenantID))
}

// TopicTenantEvents matches every event kind of one tenant.
func TopicTenantEvents(tenantID string) string {
	return fmt.Sprintf("events.*.%s", token(tenantID))
}

const TopicEventsAll = "events.>"

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
