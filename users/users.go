package users

import (
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// RoleType represents an employee's role on the till.
type RoleType string

const (
	RoleCashier   RoleType = "Cashier"   // Can sell and take returns
	RoleInventory RoleType = "Inventory" // Can view and maintain stock
	RoleManager   RoleType = "Manager"   // Full access, including voids and reports
)

// Permission identifies a single guarded operation (dot-separated area.action).
type Permission string

const (
	PermPOSSale         Permission = "pos.sale"
	PermPOSReturn       Permission = "pos.return"
	PermPOSVoid         Permission = "pos.void"
	PermInventoryView   Permission = "inventory.view"
	PermInventoryAdd    Permission = "inventory.add"
	PermInventoryEdit   Permission = "inventory.edit"
	PermInventoryAdjust Permission = "inventory.adjust"
	PermEmployeeManage  Permission = "employee.manage"
	PermReportsView     Permission = "reports.view"
)

// rolePermissions is the static role → permission mapping. Managers bypass the
// table entirely, so they are not listed here.
var rolePermissions = map[RoleType][]Permission{
	RoleCashier: {
		PermPOSSale,
		PermPOSReturn,
		PermInventoryView,
	},
	RoleInventory: {
		PermInventoryView,
		PermInventoryAdd,
		PermInventoryEdit,
		PermInventoryAdjust,
	},
}

// HasPermission reports whether the role grants the given permission.
// Managers hold every permission; unknown roles hold none.
func (r RoleType) HasPermission(permission Permission) bool {
	if r == RoleManager {
		return true
	}
	for _, p := range rolePermissions[r] {
		if p == permission {
			return true
		}
	}
	return false
}

// IsManager reports whether the role is the manager role.
func (r RoleType) IsManager() bool {
	return r == RoleManager
}

// Identity is the authenticated employee handed to the session layer after a
// successful credential check on the login screen.
type Identity struct {
	ID          int64    `json:"id"`           // Numeric employee identifier
	ExternalID  string   `json:"external_id"`  // Human-facing identifier (badge / employee code)
	DisplayName string   `json:"display_name"` // Name shown on receipts and the header bar
	Role        RoleType `json:"role"`
}

// ValidatePasswordStrength checks if a password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		}
		if unicode.IsLower(char) {
			hasLower = true
		}
		if unicode.IsNumber(char) {
			hasNumber = true
		}
	}

	if !hasUpper || !hasLower {
		return fmt.Errorf("password must contain both uppercase and lowercase letters")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}
	return nil
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("HashPassword: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plaintext password with its bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
