package service

import "github.com/rl1809/pos-ledger/internal/core/domain"

// Authorize fails with an Unauthorized error unless principal holds perm.
// Role expansion happens upstream; only the flattened set is consulted.
func Authorize(principal domain.Principal, perm domain.Permission) error {
	if principal.UserID == "" {
		return domain.Unauthorized("unauthenticated caller")
	}
	if !principal.Has(perm) {
		return domain.Unauthorized("user %s lacks permission %s", principal.UserID, perm)
	}
	return nil
}
