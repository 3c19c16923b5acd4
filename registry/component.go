// Package registry implements the Tekton service registry and routing
// fabric: the authoritative record of which components exist, where they are
// reachable, whether they are healthy, and which capabilities they provide.
package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a registered component.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateFailed       State = "failed"
)

// statePriority orders states for resolution (higher is preferred).
func statePriority(s State) int {
	switch s {
	case StateReady:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}

// Kind classifies a component.
type Kind string

const (
	KindService  Kind = "service"
	KindCIWorker Kind = "ci-worker"
	KindTerminal Kind = "terminal"
	KindUIHost   Kind = "ui-host"
)

// Endpoint is one transport address advertised by a component.
type Endpoint struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Path   string `json:"path"`
}

// URL renders the endpoint as a dialable URL.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s:%d%s", e.Scheme, e.Host, e.Port, path)
}

// Component is a registered service descriptor.
type Component struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Kind          Kind              `json:"kind"`
	Version       string            `json:"version"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Endpoints     []Endpoint        `json:"endpoints"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	State         State             `json:"state"`
	InstanceUUID  string            `json:"instance_uuid"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
	ReadyAt       *time.Time        `json:"ready_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Validate checks the descriptor's schema constraints.
func (c *Component) Validate() error {
	if !idPattern.MatchString(c.ID) {
		return fmt.Errorf("id must be a lower-case slug, got %q", c.ID)
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.Kind {
	case KindService, KindCIWorker, KindTerminal, KindUIHost:
	default:
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if ep.Scheme == "" || ep.Host == "" || ep.Port <= 0 {
			return fmt.Errorf("endpoint %d is incomplete", i)
		}
	}
	for _, cap := range c.Capabilities {
		if _, _, err := ParseCapabilityRef(cap); err != nil {
			return err
		}
	}
	return nil
}

// Capability is one (provider, name, level) offering. Multiple providers may
// offer the same capability; resolution picks the highest level among ready
// providers.
type Capability struct {
	ProviderID string            `json:"provider_id"`
	Name       string            `json:"name"`
	Level      int               `json:"level"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// FallbackBinding names a handler to invoke when a capability's primary
// provider is unavailable.
type FallbackBinding struct {
	ConsumerID     string `json:"consumer_id"`
	CapabilityName string `json:"capability_name"`
	ProviderID     string `json:"provider_id"`
	Level          int    `json:"level"`
	HandlerRef     string `json:"handler_ref"`
}

// ReadinessCondition gates a component's transition to ready.
type ReadinessCondition struct {
	ComponentID string        `json:"component_id"`
	Name        string        `json:"name"`
	Check       string        `json:"check"`
	Description string        `json:"description,omitempty"`
	Timeout     time.Duration `json:"timeout_ms"`
}

// ParseCapabilityRef parses the "name@level" shorthand used in component
// descriptors. A bare name defaults to level 0.
func ParseCapabilityRef(s string) (name string, level int, err error) {
	name, levelStr, found := strings.Cut(s, "@")
	if name == "" {
		return "", 0, fmt.Errorf("empty capability name in %q", s)
	}
	if !found {
		return name, 0, nil
	}
	level, err = strconv.Atoi(levelStr)
	if err != nil {
		return "", 0, fmt.Errorf("capability level in %q: %w", s, err)
	}
	return name, level, nil
}

// compareVersions orders dotted numeric versions; non-numeric segments fall
// back to string comparison. Returns -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
