// Package executor orchestrates per-bundle container builds, sidecars,
// PoC injection, and teardown.
package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vulnforge/vulnforge/pkg/containerrt"
)

// NetworkPool resolves and idempotently creates the Docker network a
// bundle's containers share, scoped per SID and safe for concurrent bundle
// workers. singleflight collapses concurrent "create if missing" calls for
// the same network name into one underlying NetworkCreate (see DESIGN.md
// for why this dependency, absent elsewhere in the stack, earns its place
// here).
type NetworkPool struct {
	rt      containerrt.Runtime
	group   singleflight.Group
	created sync.Map // name -> struct{}
}

// NewNetworkPool returns a NetworkPool backed by rt.
func NewNetworkPool(rt containerrt.Runtime) *NetworkPool {
	return &NetworkPool{rt: rt}
}

// Resolve returns the network name for a bundle: "none" if no sidecar
// needs networking and no override is given, the user-specified network if
// non-empty, or "<sid>-net" when any sidecar declares aliases — creating it
// idempotently and sharing it across bundles of the same SID.
func (p *NetworkPool) Resolve(ctx context.Context, sid, userNetwork string, anySidecarAliases bool) (string, error) {
	switch {
	case userNetwork != "":
		return userNetwork, p.ensure(ctx, userNetwork)
	case anySidecarAliases:
		name := fmt.Sprintf("%s-net", sid)
		return name, p.ensure(ctx, name)
	default:
		return "none", nil
	}
}

func (p *NetworkPool) ensure(ctx context.Context, name string) error {
	if _, ok := p.created.Load(name); ok {
		return nil
	}
	_, err, _ := p.group.Do(name, func() (any, error) {
		exists, err := p.rt.NetworkInspect(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := p.rt.NetworkCreate(ctx, name); err != nil {
				return nil, err
			}
		}
		p.created.Store(name, struct{}{})
		return nil, nil
	})
	return err
}

// Release removes a network handle if it was created by this pool and is
// still tracked. "none" and caller-supplied networks the pool never
// created are no-ops: guaranteed release applies only to handles the
// Executor itself acquired.
func (p *NetworkPool) Release(ctx context.Context, name string) error {
	if name == "none" {
		return nil
	}
	if _, ok := p.created.LoadAndDelete(name); !ok {
		return nil
	}
	return p.rt.NetworkRemove(ctx, name)
}
