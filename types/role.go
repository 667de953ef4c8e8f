package types

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// Role is the authorization level of an account.
type Role string

const (
	RoleCustomer Role = "Customer"
	RoleSeller   Role = "Seller"
	RoleAdmin    Role = "Admin"
)

// ErrUnknownRole is returned when a stored or claimed role is not one of the known roles.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole converts s into a Role, rejecting anything outside the closed set.
func ParseRole(s string) (Role, error) {
	role := Role(s)
	if !role.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return role, nil
}

// IsValid checks if the role is one of the predefined roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleCustomer, RoleSeller, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanManageAccounts reports whether the role may activate or deactivate other accounts.
func (r Role) CanManageAccounts() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleCustomer, RoleSeller:
		return false
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// Value implements driver.Valuer.
func (r Role) Value() (driver.Value, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, string(r))
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *Role) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("scan role: unsupported type %T", src)
	}
	role, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = role
	return nil
}
