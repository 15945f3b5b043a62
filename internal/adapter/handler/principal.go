package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/rl1809/pos-ledger/internal/core/domain"
)

// Identity headers set by the authenticating gateway in front of this service.
const (
	HeaderUserID      = "X-User-ID"
	HeaderPermissions = "X-Permissions"

	metadataUserID      = "x-user-id"
	metadataPermissions = "x-permissions"
)

var errNoPrincipal = errors.New("missing caller identity")

type principalKey struct{}

// ResolvePrincipal builds a principal from a user id and raw permission
// values. Each value may hold a comma separated list; unknown permissions
// are ignored.
func ResolvePrincipal(userID string, rawPermissions []string) (domain.Principal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Principal{}, errNoPrincipal
	}

	var perms []domain.Permission
	for _, raw := range rawPermissions {
		for _, s := range strings.Split(raw, ",") {
			if p, ok := domain.ParsePermission(s); ok {
				perms = append(perms, p)
			}
		}
	}
	return domain.NewPrincipal(userID, perms...), nil
}

func principalFromHeaders(h http.Header) (domain.Principal, error) {
	return ResolvePrincipal(h.Get(HeaderUserID), h.Values(HeaderPermissions))
}

func principalFromMetadata(ctx context.Context) (domain.Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Principal{}, errNoPrincipal
	}
	var userID string
	if ids := md.Get(metadataUserID); len(ids) > 0 {
		userID = ids[0]
	}
	return ResolvePrincipal(userID, md.Get(metadataPermissions))
}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey{}).(domain.Principal)
	return p
}
