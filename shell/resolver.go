package shell

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/registry"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// ReservedCommands are shell tokens dispatched to built-in subsystems before
// any CI lookup happens.
var ReservedCommands = map[string]bool{
	"help":      true,
	"forward":   true,
	"unforward": true,
	"terma":     true,
	"prompt":    true,
	"team-chat": true,
	"sunrise":   true,
	"status":    true,
}

// EndpointResolver resolves a component name to its reachable endpoints. The
// service registry implements it directly; a remote client implements it over
// HTTP when the shell runs outside the daemon.
type EndpointResolver interface {
	Resolve(name string) ([]registry.Endpoint, error)
}

// Target is the outcome of resolving a CI name: either a live terminal
// session or a dialable endpoint.
type Target struct {
	CIName   string
	Terminal string
	JSONWrap bool
	URL      string
}

// IsTerminal reports whether delivery goes to an in-process mailbox.
func (t Target) IsTerminal() bool { return t.Terminal != "" }

const (
	endpointCacheSize = 256
	endpointCacheTTL  = 2 * time.Second
)

// Resolver maps a CI name to a delivery target, honoring forwards first,
// then the CI registry, then the service registry. Endpoint lookups are
// cached briefly; forwards are consulted live so rule changes apply on the
// next send.
type Resolver struct {
	cis       *cireg.Registry
	endpoints EndpointResolver
	cache     *expirable.LRU[string, string]
}

// NewResolver builds a resolver over the CI registry and an endpoint source.
func NewResolver(cis *cireg.Registry, endpoints EndpointResolver) *Resolver {
	return &Resolver{
		cis:       cis,
		endpoints: endpoints,
		cache:     expirable.NewLRU[string, string](endpointCacheSize, nil, endpointCacheTTL),
	}
}

// Resolve applies the resolution algorithm for a single token. Reserved
// commands dispatch before any lookup, so reaching here with one is a caller
// bug.
func (r *Resolver) Resolve(name string) (Target, error) {
	if ReservedCommands[name] {
		return Target{}, tekerr.New(tekerr.CodeInvalid, "%q is a reserved command", name)
	}
	if fw, ok := r.cis.ResolveForward(name); ok {
		return Target{CIName: name, Terminal: fw.TerminalID, JSONWrap: fw.JSON}, nil
	}

	entry, err := r.cis.Get(name)
	if err != nil {
		return Target{}, err
	}

	// Terminal CIs deliver straight to their mailbox.
	if entry.Kind == cireg.KindTerminal {
		return Target{CIName: name, Terminal: entry.Name}, nil
	}

	url, err := r.endpointURL(entry)
	if err != nil {
		return Target{}, err
	}
	return Target{CIName: name, URL: url}, nil
}

func (r *Resolver) endpointURL(entry cireg.Entry) (string, error) {
	if entry.Endpoint != "" {
		return entry.Endpoint, nil
	}
	if entry.Component == "" {
		return "", tekerr.New(tekerr.CodeInvalid,
			"CI %q declares neither an endpoint nor an owning component", entry.Name)
	}
	if url, ok := r.cache.Get(entry.Component); ok {
		return url, nil
	}
	eps, err := r.endpoints.Resolve(entry.Component)
	if err != nil {
		return "", err
	}
	if len(eps) == 0 {
		return "", tekerr.New(tekerr.CodeUnavailable, "component %q has no endpoints", entry.Component)
	}
	url := eps[0].URL()
	r.cache.Add(entry.Component, url)
	return url, nil
}
