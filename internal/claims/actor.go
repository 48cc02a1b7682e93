package claims

import (
	"context"
	"errors"
	"strings"
	"sync"

	"delivery-guard/internal/storefront"
	"delivery-guard/internal/util"
)

var ErrNoSystemActor = errors.New("no system actor available for claims")

// Directory finds fallback identities in the storefront database.
type Directory interface {
	EarliestProfileWithRole(ctx context.Context, role string) (string, error)
	AnyProfile(ctx context.Context) (string, error)
	AnyAuthUser(ctx context.Context) (string, error)
}

// ActorResolver picks the identity automated claims are attributed to. The
// configured id wins; otherwise the directory chain runs once and the result
// is kept for the life of the process.
type ActorResolver struct {
	configured string
	directory  Directory

	mu       sync.Mutex
	resolved string
}

func NewActorResolver(configuredID string, directory Directory) *ActorResolver {
	return &ActorResolver{configured: strings.TrimSpace(configuredID), directory: directory}
}

func (r *ActorResolver) Resolve(ctx context.Context) (string, error) {
	if r.configured != "" {
		return r.configured, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != "" {
		return r.resolved, nil
	}
	if r.directory == nil {
		return "", ErrNoSystemActor
	}

	lookups := []struct {
		source string
		find   func(context.Context) (string, error)
	}{
		{"superadmin_profile", func(ctx context.Context) (string, error) {
			return r.directory.EarliestProfileWithRole(ctx, storefront.RoleSuperadmin)
		}},
		{"any_profile", r.directory.AnyProfile},
		{"auth_user", r.directory.AnyAuthUser},
	}

	for _, l := range lookups {
		id, err := l.find(ctx)
		if err != nil {
			if !errors.Is(err, storefront.ErrNotFound) {
				return "", err
			}
			continue
		}
		if id != "" {
			util.Warn("Claims actor resolved from fallback chain, set CLAIMS_SYSTEM_USER_ID to pin it",
				util.String("source", l.source),
				util.String("actor_id", id))
			r.resolved = id
			return id, nil
		}
	}
	return "", ErrNoSystemActor
}
