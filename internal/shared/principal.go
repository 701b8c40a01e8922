// Package shared holds cross-cutting helpers used by every workflow module.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// Role names the coarse actor roles issued by the identity gateway.
type Role string

const (
	RoleEmployee   Role = "EMPLOYEE"
	RoleAccountant Role = "ACCOUNTANT"
	RoleTaxManager Role = "TAX_MANAGER"
	RoleAdmin      Role = "ADMIN"
)

// Principal identifies the authenticated actor behind a request. Identity and
// session management live in the gateway; this service only consumes the
// forwarded identity headers. Core service methods still take explicit actor
// arguments so they stay testable without a request context.
type Principal struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	Role      Role
}

// CanSettle reports whether the principal may record payment reconciliation.
func (p Principal) CanSettle() bool {
	return p.Role == RoleAccountant || p.Role == RoleAdmin
}

// CanCollectTax reports whether the principal may run tax collection.
func (p Principal) CanCollectTax() bool {
	return p.Role == RoleTaxManager || p.Role == RoleAdmin
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
