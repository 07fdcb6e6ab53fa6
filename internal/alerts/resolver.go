package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Resolver expands rule targets into host sets. Known-host lookups are
// memoized per measurement, so a Resolver should live for a single tick.
type Resolver struct {
	hosts HostLister

	mu    sync.Mutex
	known map[string][]string
}

// NewResolver creates a resolver backed by hosts.
func NewResolver(hosts HostLister) *Resolver {
	return &Resolver{
		hosts: hosts,
		known: make(map[string][]string),
	}
}

// Resolve returns the deduplicated, sorted union of hosts targeted by the rule.
// When an "all" lookup fails, explicit host targets are still returned along
// with an error wrapping ErrBackendUnreachable.
func (r *Resolver) Resolve(ctx context.Context, rule *Rule) ([]string, error) {
	set := make(map[string]struct{})
	var lookupErr error

	for _, target := range rule.Targets {
		switch target.Type {
		case TargetHost:
			if target.ID != "" {
				set[target.ID] = struct{}{}
			}
		case TargetAll:
			hosts, err := r.knownHosts(ctx, rule.Measurement())
			if err != nil {
				lookupErr = fmt.Errorf("%w: known hosts for %q: %v", ErrBackendUnreachable, rule.Measurement(), err)
				continue
			}
			for _, h := range hosts {
				if h != "" {
					set[h] = struct{}{}
				}
			}
		}
	}

	hosts := make([]string, 0, len(set))
	for h := range set {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	return hosts, lookupErr
}

func (r *Resolver) knownHosts(ctx context.Context, measurement string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hosts, ok := r.known[measurement]; ok {
		return hosts, nil
	}

	hosts, err := r.hosts.KnownHosts(ctx, measurement)
	if err != nil {
		return nil, err
	}
	r.known[measurement] = hosts
	return hosts, nil
}
