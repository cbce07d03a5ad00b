package session

// Wildcard is the subscription key that matches every event. An event
// published with the wildcard key reaches only wildcard subscribers.
const Wildcard = "*"

// Event is a normalized change notification. Events are values: every
// session receives its own copy and nothing downstream mutates Payload.
type Event struct {
	Key      string // channel/topic the event targets
	Payload  []byte // opaque, passed through untouched
	Sequence uint64 // assigned at normalization time, observability only
}

// Origin tells where an event entered the gateway.
type Origin int

const (
	OriginUpstream Origin = iota // observed by the upstream listener
	OriginPublish                // injected through Gateway.Publish
)

func (o Origin) String() string {
	switch o {
	case OriginUpstream:
		return "upstream"
	case OriginPublish:
		return "publish"
	}
	return "unknown"
}

// Matches reports whether a session subscribed under key should receive ev.
func (ev Event) Matches(key string) bool {
	return key == Wildcard || key == ev.Key
}
