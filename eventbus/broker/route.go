package broker

import "strings"

// DefaultTopicPrefix is prepended to event types when mapping to topics.
const DefaultTopicPrefix = "events."

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithTopicPrefix overrides the topic prefix. An empty prefix maps event
// types to topics verbatim.
func WithTopicPrefix(prefix string) RouterOption {
	return func(router *Router) {
		router.prefix = prefix
	}
}

// Router maps event types to broker topics. The mapping is deliberately
// dumb: one event type, one topic, stable across producers and consumers.
type Router struct {
	prefix string
}

// NewRouter creates a router with the default "events." prefix.
func NewRouter(opts ...RouterOption) *Router {
	router := &Router{prefix: DefaultTopicPrefix}

	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}

	return router
}

// Route returns the topic for an event type.
func (router *Router) Route(eventType string) string {
	return router.prefix + strings.TrimSpace(eventType)
}
