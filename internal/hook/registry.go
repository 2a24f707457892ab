package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/metrics"
)

// Host is the packet-interception facility hooks are registered with.
type Host interface {
	// Register starts delivering inbound frames of family to fn until Unregister.
	Register(ctx context.Context, family core.Family, fn core.HookFunc) error
	// Unregister stops delivery and returns once no call to fn is in flight.
	Unregister(family core.Family) error
}

// Coverage reports which families are being watched.
type Coverage struct {
	IPv4    bool
	IPv6    bool
	IPv6Err error // why IPv6 is missing, nil when IPv6 is true
}

func (c Coverage) String() string {
	switch {
	case c.IPv4 && c.IPv6:
		return "IPv4+IPv6"
	case c.IPv4:
		return "IPv4 only"
	default:
		return "none"
	}
}

// Registry owns the hook registrations for the lifetime of the daemon.
type Registry struct {
	host   Host
	logger *slog.Logger

	mu         sync.Mutex
	registered map[core.Family]bool
}

// NewRegistry creates a registry on top of host.
func NewRegistry(host Host, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = log.Get()
	}
	return &Registry{
		host:       host,
		logger:     logger,
		registered: make(map[core.Family]bool),
	}
}

// Activate registers the adapter for IPv4, which must succeed, then for IPv6, which may
// fail with reduced coverage.
func (r *Registry) Activate(ctx context.Context, a *Adapter) (Coverage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cov Coverage
	if r.registered[core.FamilyIPv4] {
		return cov, fmt.Errorf("%w: %s", core.ErrHookAlreadyRegistered, core.FamilyIPv4)
	}

	if err := r.host.Register(ctx, core.FamilyIPv4, a.HookIPv4); err != nil {
		return cov, fmt.Errorf("%w: %w", core.ErrPrimaryHookRegistration, err)
	}
	r.mark(core.FamilyIPv4, true)
	cov.IPv4 = true

	if err := r.host.Register(ctx, core.FamilyIPv6, a.HookIPv6); err != nil {
		cov.IPv6Err = fmt.Errorf("%w: %w", core.ErrSecondaryHookRegistration, err)
		r.logger.Warn("IPv6 hook registration failed, continuing with IPv4 only", "error", err)
		return cov, nil
	}
	r.mark(core.FamilyIPv6, true)
	cov.IPv6 = true

	return cov, nil
}

// Teardown unregisters every family that was registered. Calling it again is a no-op.
func (r *Registry) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, f := range core.Families {
		if !r.registered[f] {
			continue
		}
		if err := r.host.Unregister(f); err != nil {
			errs = append(errs, fmt.Errorf("unregister %s: %w", f, err))
		}
		r.mark(f, false)
	}
	return errors.Join(errs...)
}

// Registered reports whether family currently has a hook.
func (r *Registry) Registered(f core.Family) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[f]
}

func (r *Registry) mark(f core.Family, on bool) {
	r.registered[f] = on
	v := 0.0
	if on {
		v = 1
	}
	metrics.HookRegistered.WithLabelValues(f.String()).Set(v)
}
