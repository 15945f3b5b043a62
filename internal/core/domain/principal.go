package domain

import "strings"

type Permission string

const (
	PermCreateTransaction   Permission = "CREATE_TRANSACTION"
	PermViewTransaction     Permission = "VIEW_TRANSACTION"
	PermViewAllTransactions Permission = "VIEW_ALL_TRANSACTIONS"
	PermUpdateTransaction   Permission = "UPDATE_TRANSACTION"
	PermVoidTransaction     Permission = "VOID_TRANSACTION"
	PermProductRead         Permission = "PRODUCT_READ"
	PermProductWrite        Permission = "PRODUCT_WRITE"
	PermInventoryItemWrite  Permission = "INVENTORY_ITEM_WRITE"
)

// authorityPrefix is how permissions appear as granted authorities upstream.
const authorityPrefix = "PERM_"

var knownPermissions = map[Permission]struct{}{
	PermCreateTransaction:   {},
	PermViewTransaction:     {},
	PermViewAllTransactions: {},
	PermUpdateTransaction:   {},
	PermVoidTransaction:     {},
	PermProductRead:         {},
	PermProductWrite:        {},
	PermInventoryItemWrite:  {},
}

// ParsePermission accepts both "VOID_TRANSACTION" and "PERM_VOID_TRANSACTION".
func ParsePermission(s string) (Permission, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, authorityPrefix)
	p := Permission(s)
	if _, ok := knownPermissions[p]; !ok {
		return "", false
	}
	return p, true
}

// Principal is an authenticated caller with an already flattened permission set.
type Principal struct {
	UserID      string
	Permissions map[Permission]struct{}
}

func NewPrincipal(userID string, perms ...Permission) Principal {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{UserID: userID, Permissions: set}
}

func (p Principal) Has(perm Permission) bool {
	_, ok := p.Permissions[perm]
	return ok
}
