// Package usersink forwards activity events to a go-users ActivitySink.
package usersink

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-environ/pkg/activity"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

// Hook adapts activity events to a go-users ActivitySink.
//
// Projector transitions fire on every load, so deployments that only audit
// wiring and data changes usually set Prefixes to
// []string{"environ.", "store."}.
type Hook struct {
	Sink usertypes.ActivitySink
	// Prefixes limits forwarding to verbs starting with one of the prefixes.
	// Empty forwards every verb.
	Prefixes []string
	// Channel tags records whose event has none, replacing
	// activity.DefaultChannel.
	Channel string
}

// Notify maps the event into an ActivityRecord and forwards it to the sink.
// Identifiers that are not UUIDs map to uuid.Nil; a non-UUID actor is kept in
// the record data under "actor".
func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}
	normalized := activity.NormalizeEvent(event)
	if !normalized.Valid() || !h.accepts(normalized.Verb) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return h.Sink.Log(ctx, h.record(normalized))
}

func (h Hook) accepts(verb string) bool {
	if len(h.Prefixes) == 0 {
		return true
	}
	for _, prefix := range h.Prefixes {
		if strings.HasPrefix(verb, prefix) {
			return true
		}
	}
	return false
}

func (h Hook) record(event activity.Event) usertypes.ActivityRecord {
	channel := event.Channel
	if channel == "" {
		channel = h.Channel
	}
	if channel == "" {
		channel = activity.DefaultChannel
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	data := event.Metadata
	actorID := parseUUID(event.ActorID)
	if event.ActorID != "" && actorID == uuid.Nil {
		if data == nil {
			data = map[string]any{}
		}
		data["actor"] = event.ActorID
	}

	return usertypes.ActivityRecord{
		ActorID:    actorID,
		UserID:     parseUUID(event.UserID),
		TenantID:   parseUUID(event.TenantID),
		Verb:       event.Verb,
		ObjectType: event.ObjectType,
		ObjectID:   event.ObjectID,
		Channel:    channel,
		Data:       data,
		OccurredAt: occurredAt,
	}
}

func parseUUID(input string) uuid.UUID {
	if input == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(input)
	if err != nil {
		return uuid.Nil
	}
	return id
}
