// Package idempotency de-duplicates inbound events so each externally
// triggered run executes at most once. Events from every source reduce to a
// deterministic key; a transactional check-and-set against the store decides
// whether the caller owns the event, waits behind a concurrent owner, or
// replays the first delivery's cached outcome.
package idempotency

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gitwithintent/gwi/core"
)

// Key is the parsed form of an idempotency key. The wire format is the
// source prefix and the fields joined by ':'; only the final field may
// itself contain colons (scheduler execution timestamps do).
type Key struct {
	Source core.EventSource
	Fields []string
}

// String returns the wire form, e.g. "github:550e8400-...".
func (k Key) String() string {
	c, ok := codecBySource[k.Source]
	if !ok {
		return strings.Join(k.Fields, ":")
	}
	return c.Prefix() + ":" + strings.Join(k.Fields, ":")
}

// Codec encodes, validates, and parses keys for one event source.
// Registering a codec is how a new event source plugs into the layer.
type Codec interface {
	Source() core.EventSource
	Prefix() string
	FieldCount() int
	Validate(fields []string) error
}

var (
	codecByPrefix = map[string]Codec{}
	codecBySource = map[core.EventSource]Codec{}
)

// RegisterCodec adds a codec to the registry. Later registrations for the
// same prefix win, which lets tests substitute codecs.
func RegisterCodec(c Codec) {
	codecByPrefix[c.Prefix()] = c
	codecBySource[c.Source()] = c
}

func init() {
	RegisterCodec(githubCodec{})
	RegisterCodec(apiCodec{})
	RegisterCodec(slackCodec{})
	RegisterCodec(schedulerCodec{})
}

// NewKey validates fields against the source's codec and returns the key.
func NewKey(source core.EventSource, fields ...string) (Key, error) {
	c, ok := codecBySource[source]
	if !ok {
		return Key{}, core.NewError("idempotency.NewKey", core.KindValidation,
			fmt.Errorf("unknown event source: %s", source))
	}
	if len(fields) != c.FieldCount() {
		return Key{}, core.NewError("idempotency.NewKey", core.KindValidation,
			fmt.Errorf("source %s requires %d fields, got %d", source, c.FieldCount(), len(fields)))
	}
	for i, f := range fields {
		if f == "" {
			return Key{}, core.NewError("idempotency.NewKey", core.KindValidation,
				fmt.Errorf("source %s field %d is empty", source, i))
		}
		// Only the final field may contain the delimiter, or the key
		// would not parse back.
		if i < len(fields)-1 && strings.Contains(f, ":") {
			return Key{}, core.NewError("idempotency.NewKey", core.KindValidation,
				fmt.Errorf("source %s field %d contains ':'", source, i))
		}
	}
	if err := c.Validate(fields); err != nil {
		return Key{}, core.NewError("idempotency.NewKey", core.KindValidation, err)
	}
	return Key{Source: c.Source(), Fields: fields}, nil
}

// ParseKey parses the wire form back to its structured key.
func ParseKey(s string) (Key, error) {
	prefix, rest, found := strings.Cut(s, ":")
	if !found || rest == "" {
		return Key{}, core.NewError("idempotency.ParseKey", core.KindValidation,
			fmt.Errorf("malformed key: %q", s))
	}
	c, ok := codecByPrefix[prefix]
	if !ok {
		return Key{}, core.NewError("idempotency.ParseKey", core.KindValidation,
			fmt.Errorf("unknown key prefix: %q", prefix))
	}
	// SplitN lets the final field keep its colons.
	fields := strings.SplitN(rest, ":", c.FieldCount())
	return NewKey(c.Source(), fields...)
}

// GitHubKey builds the key for a webhook delivery: github:<deliveryId>.
func GitHubKey(deliveryID string) (Key, error) {
	return NewKey(core.SourceGitHubWebhook, deliveryID)
}

// APIKey builds the key for a direct API call: api:<clientId>:<requestId>.
func APIKey(clientID, requestID string) (Key, error) {
	return NewKey(core.SourceAPI, clientID, requestID)
}

// SlackKey builds the key for a chat command: slack:<teamId>:<triggerId>.
func SlackKey(teamID, triggerID string) (Key, error) {
	return NewKey(core.SourceSlack, teamID, triggerID)
}

// SchedulerKey builds the key for a scheduler tick:
// scheduler:<scheduleId>:<executionTimeISO>. The timestamp is canonicalized
// to UTC with a Z suffix so redeliveries of the same tick collide.
func SchedulerKey(scheduleID string, executionTime time.Time) (Key, error) {
	return NewKey(core.SourceScheduler, scheduleID, executionTime.UTC().Format(time.RFC3339))
}

type githubCodec struct{}

func (githubCodec) Source() core.EventSource { return core.SourceGitHubWebhook }
func (githubCodec) Prefix() string           { return "github" }
func (githubCodec) FieldCount() int          { return 1 }
func (githubCodec) Validate(fields []string) error {
	if _, err := uuid.Parse(fields[0]); err != nil {
		return fmt.Errorf("github delivery id must be a UUID: %w", err)
	}
	return nil
}

type apiCodec struct{}

func (apiCodec) Source() core.EventSource       { return core.SourceAPI }
func (apiCodec) Prefix() string                 { return "api" }
func (apiCodec) FieldCount() int                { return 2 }
func (apiCodec) Validate(fields []string) error { return nil }

type slackCodec struct{}

func (slackCodec) Source() core.EventSource       { return core.SourceSlack }
func (slackCodec) Prefix() string                 { return "slack" }
func (slackCodec) FieldCount() int                { return 2 }
func (slackCodec) Validate(fields []string) error { return nil }

type schedulerCodec struct{}

func (schedulerCodec) Source() core.EventSource { return core.SourceScheduler }
func (schedulerCodec) Prefix() string           { return "scheduler" }
func (schedulerCodec) FieldCount() int          { return 2 }
func (schedulerCodec) Validate(fields []string) error {
	ts := fields[1]
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		return fmt.Errorf("scheduler execution time must be RFC 3339: %w", err)
	}
	if !strings.HasSuffix(ts, "Z") {
		return fmt.Errorf("scheduler execution time must be UTC (Z suffix): %s", ts)
	}
	return nil
}
