// Package stats records admission decisions made by limiting plugins.
//
// Recording is best-effort: callers log a failed Record and carry on,
// a statistics backend being down never changes a request's outcome.
package stats

import (
	"context"
	"time"
)

// Event represents one admission decision.
//
// Be careful with cardinality: tracking Key or Path without control can
// explode the number of series/keys in a backend such as Redis.
type Event struct {
	// Key is the value the decision was made for (client ip, header, cookie...).
	Key string

	// Plugin is the id of the plugin that made the decision.
	Plugin string

	Allowed bool

	Method string
	Path   string

	At time.Time
}

// Store persists admission statistics.
type Store interface {
	Record(ctx context.Context, ev Event) error
}
