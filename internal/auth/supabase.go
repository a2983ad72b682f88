package auth

import (
	"context"
	"time"
)

// SupabaseCollector verifies tokens signed with a Supabase project's legacy
// JWT secret: HS256, audience "authenticated", no kid.
type SupabaseCollector struct {
	key Key
}

func NewSupabaseCollector(secret string) *SupabaseCollector {
	return &SupabaseCollector{key: Key{
		Alg:       "HS256",
		Audiences: []string{"authenticated"},
		// Supabase manages access-token lifetime project-side; do not bound
		// it with the store default.
		MaxLifetime: 366 * 24 * time.Hour,
		material:    []byte(secret),
	}}
}

func (c *SupabaseCollector) Keys(context.Context) ([]Key, error) {
	return []Key{c.key}, nil
}
