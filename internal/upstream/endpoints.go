package upstream

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Capability names the relay resolves against the upstream service.
const (
	CapSearchStream  = "search_stream"
	CapChatStream    = "chat_stream"
	CapSearchInsert  = "search_insert"
	CapSearchResults = "search_results"
	CapChatHistory   = "chat_history"
	CapHealth        = "health"
)

// Endpoints resolves capability names to upstream URLs. Paths with a
// %s placeholder take the resource identifier as an argument.
type Endpoints struct {
	base  *url.URL
	paths map[string]string
}

// NewEndpoints builds a registry from a base URL and per-capability
// path suffixes.
func NewEndpoints(base string, paths map[string]string) (*Endpoints, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base url %q needs a scheme and host", base)
	}
	return &Endpoints{base: u, paths: paths}, nil
}

// URL returns the absolute URL for a capability, filling the path
// placeholder from args. Unknown capabilities resolve to the base URL.
func (e *Endpoints) URL(capability string, args ...any) string {
	p := e.paths[capability]
	if len(args) > 0 {
		escaped := make([]any, len(args))
		for i, a := range args {
			escaped[i] = url.PathEscape(fmt.Sprint(a))
		}
		p = fmt.Sprintf(p, escaped...)
	}
	return strings.TrimSuffix(e.base.String(), "/") + p
}

// Has reports whether a capability is configured.
func (e *Endpoints) Has(capability string) bool {
	_, ok := e.paths[capability]
	return ok
}

// Names returns all configured capability names, sorted.
func (e *Endpoints) Names() []string {
	names := make([]string, 0, len(e.paths))
	for name := range e.paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultPaths returns the upstream path layout of the picq processing
// service. Binaries may override any entry from configuration.
func DefaultPaths() map[string]string {
	return map[string]string{
		CapSearchStream:  "/query/search/stream",
		CapChatStream:    "/query/chat/stream",
		CapSearchInsert:  "/db/insert/searches",
		CapSearchResults: "/db/search_results/%s",
		CapChatHistory:   "/db/chats/match/%s",
		CapHealth:        "/health",
	}
}
