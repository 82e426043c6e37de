// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bridge

import "sync"

// Role is a capability required to perform a privileged bridge operation.
// Role storage and assignment is the host's concern. The verification core
// only ever asks "does this actor hold this role?".
type Role uint8

const (
	// RoleAdmin can register custodians, manage the watchdog voter set and
	// thresholds, and adjust operational parameters.
	RoleAdmin Role = iota
	// RoleAttester can submit reserve attestations.
	RoleAttester
	// RoleBinder can request and finalize custodian wallet bindings. Binding
	// finalization additionally requires a different actor than the
	// requester.
	RoleBinder
	// RoleWatchdog can propose and vote on enforcement actions.
	RoleWatchdog
	// RoleCustodian marks an actor as the operating agent of a custodian.
	RoleCustodian
)

var roleNames = map[Role]string{
	RoleAdmin:     "admin",
	RoleAttester:  "attester",
	RoleBinder:    "binder",
	RoleWatchdog:  "watchdog",
	RoleCustodian: "custodian",
}

func (r Role) String() string {
	if name, found := roleNames[r]; found {
		return name
	}
	return "unknown"
}

// Authorizer answers role queries for actors. Implementations are injected
// into every component that performs privileged mutations, so authorization
// is always an explicit check at the call site, never ambient state.
type Authorizer interface {
	HasRole(actor string, role Role) bool
}

// UnauthorizedError is returned by components when an actor lacks the role
// required for an operation.
const UnauthorizedError = ErrorKind("actor not authorized")

// StaticAuth is a fixed role table satisfying Authorizer. It is safe for
// concurrent use.
type StaticAuth struct {
	mtx   sync.RWMutex
	roles map[string]map[Role]bool
}

// NewStaticAuth creates an empty StaticAuth.
func NewStaticAuth() *StaticAuth {
	return &StaticAuth{roles: make(map[string]map[Role]bool)}
}

// Grant gives the actor the role.
func (a *StaticAuth) Grant(actor string, roles ...Role) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	actorRoles, found := a.roles[actor]
	if !found {
		actorRoles = make(map[Role]bool)
		a.roles[actor] = actorRoles
	}
	for _, role := range roles {
		actorRoles[role] = true
	}
}

// Revoke removes the role from the actor.
func (a *StaticAuth) Revoke(actor string, role Role) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	delete(a.roles[actor], role)
}

// HasRole implements Authorizer.
func (a *StaticAuth) HasRole(actor string, role Role) bool {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return a.roles[actor][role]
}
