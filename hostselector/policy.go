package hostselector

import "context"

// PunishPolicy decides whether a failed attempt should punish the host it ran
// against. Returning false marks the failure as one no other host can fix.
type PunishPolicy interface {
	ShouldPunish(err error) bool
}

// PunishPolicyFunc ...
type PunishPolicyFunc func(err error) bool

// ShouldPunish ...
func (f PunishPolicyFunc) ShouldPunish(err error) bool {
	return f(err)
}

// AlwaysPunish punishes the host on every failure.
var AlwaysPunish PunishPolicy = PunishPolicyFunc(func(error) bool { return true })

// HostListSupplier provides a fresh host list on every periodic refresh.
type HostListSupplier interface {
	Hosts(ctx context.Context) ([]string, error)
}

// HostListSupplierFunc ...
type HostListSupplierFunc func(ctx context.Context) ([]string, error)

// Hosts ...
func (f HostListSupplierFunc) Hosts(ctx context.Context) ([]string, error) {
	return f(ctx)
}
