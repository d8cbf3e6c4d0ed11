package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized means no principal could be resolved at all.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the principal exists but lacks the required rights.
	ErrForbidden = errors.New("forbidden")
)

// Roles, in descending order of capability.
const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleViewer  = "VIEWER"
)

// Permissions checked by the API layer.
const (
	PermTriggerSync   = "sync:trigger"
	PermManageTargets = "targets:manage"
	PermViewForecast  = "forecast:view"
)

var rolePermissions = map[string][]string{
	RoleAdmin:   {PermTriggerSync, PermManageTargets, PermViewForecast},
	RoleManager: {PermTriggerSync, PermManageTargets, PermViewForecast},
	RoleViewer:  {PermViewForecast},
}

// Principal is the already-resolved caller identity handed to the core by the
// external auth layer: a role plus the set of region codes it may touch.
type Principal struct {
	Subject string
	Role    string
	Regions []string // empty for ADMIN = all regions
}

// RequirePermission returns the principal if it holds the permission,
// ErrUnauthorized for a nil principal and ErrForbidden otherwise.
func RequirePermission(p *Principal, permission string) (*Principal, error) {
	if p == nil {
		return nil, ErrUnauthorized
	}
	for _, held := range rolePermissions[p.Role] {
		if held == permission {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: role %s lacks %s", ErrForbidden, p.Role, permission)
}

// RequireRegionAccess returns the principal if it may act on the region.
// Admins pass for every region; other roles must carry the code explicitly.
func RequireRegionAccess(p *Principal, regionCode string) (*Principal, error) {
	if p == nil {
		return nil, ErrUnauthorized
	}
	if p.Role == RoleAdmin {
		return p, nil
	}
	for _, code := range p.Regions {
		if strings.EqualFold(code, regionCode) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no access to region %s", ErrForbidden, regionCode)
}
