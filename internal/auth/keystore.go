// Package auth verifies the JWTs clients present when opening sync streams.
// Verification keys come from pluggable collectors: static JWK sets from
// configuration, remote JWKS endpoints, and the Supabase shared-secret shim.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
)

// DefaultMaxLifetime bounds exp-iat for keys that do not override it.
const DefaultMaxLifetime = 24 * time.Hour

// KeyCollector supplies verification keys. Keys are served from memory;
// collectors that fetch remotely cache and refresh in the background, and
// return an error only when they have no material at all.
type KeyCollector interface {
	Keys(ctx context.Context) ([]Key, error)
}

// Refresher is implemented by collectors that can re-fetch their material.
// The store triggers it in the background when a token names an unknown kid,
// so a freshly rotated key is available for the client's retry.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// VerifiedToken is the outcome of a successful verification.
type VerifiedToken struct {
	UserID    string
	ExpiresAt time.Time
	// Parameters carries the token's "parameters" claim. It feeds sync-rules
	// request evaluation alongside the user id.
	Parameters map[string]any
	Claims     jwt.MapClaims
}

// KeyStoreOptions configures claim enforcement shared by all keys.
type KeyStoreOptions struct {
	// Audiences lists acceptable aud values. A token passes when any of its
	// audiences appears here, unless the matched key carries its own list.
	Audiences []string
	// MaxLifetime caps exp-iat. Zero means DefaultMaxLifetime.
	MaxLifetime time.Duration
}

// KeyStore verifies tokens against the union of all collectors' keys.
type KeyStore struct {
	log         zerolog.Logger
	collectors  []KeyCollector
	audiences   []string
	maxLifetime time.Duration
}

func NewKeyStore(collectors []KeyCollector, opts KeyStoreOptions, log zerolog.Logger) *KeyStore {
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	return &KeyStore{
		log:         log.With().Str("component", "auth").Logger(),
		collectors:  collectors,
		audiences:   opts.Audiences,
		maxLifetime: opts.MaxLifetime,
	}
}

// Verify checks the token signature against the configured keys and enforces
// the shared claim rules: sub, iat and exp present, audience overlap, and a
// bounded lifetime.
//
// Key selection: an exact kid match is authoritative. If the matched key's
// algorithm family disagrees with the token's, the token is rejected with no
// fallback. Only when no key carries the token's kid are wildcard keys (empty
// kid) tried, in collector order, against the signature.
func (s *KeyStore) Verify(ctx context.Context, token string) (*VerifiedToken, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, errcode.Newf(errcode.CodeUnauthorized, "malformed token: %v", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	kid, _ := unverified.Header["kid"].(string)

	keys, collectErr := s.collect(ctx)

	var matched *Key
	var parsed *jwt.Token
	if kid != "" {
		for i := range keys {
			if keys[i].KID != kid {
				continue
			}
			key := keys[i]
			if family(key.Alg) != family(alg) {
				return nil, errcode.Newf(errcode.CodeAlgMismatch,
					"key %s verifies %s tokens but this token is signed with %s", kid, key.Alg, alg)
			}
			t, err := s.parse(token, key)
			if err != nil {
				return nil, errcode.Newf(errcode.CodeUnauthorized, "signature verification failed: %v", err)
			}
			matched, parsed = &key, t
			break
		}
	}
	if matched == nil {
		for i := range keys {
			if keys[i].KID != "" || family(keys[i].Alg) != family(alg) {
				continue
			}
			if t, err := s.parse(token, keys[i]); err == nil {
				matched, parsed = &keys[i], t
				break
			}
		}
	}
	if matched == nil {
		s.refreshInBackground()
		if collectErr != nil {
			return nil, collectErr
		}
		e := errcode.Newf(errcode.CodeKeyNotFound, "no key found for kid %q alg %q", kid, alg)
		if iss, _ := unverified.Claims.GetIssuer(); strings.Contains(iss, ".supabase.co") {
			e = e.WithHint("Supabase tokens are verified with the project JWT secret; configure it as a supabase collector")
		}
		return nil, e
	}

	return s.checkClaims(parsed.Claims.(jwt.MapClaims), *matched)
}

func (s *KeyStore) parse(token string, key Key) (*jwt.Token, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{key.Alg}), jwt.WithoutClaimsValidation())
	return parser.Parse(token, func(*jwt.Token) (any, error) { return key.material, nil })
}

func (s *KeyStore) checkClaims(claims jwt.MapClaims, key Key) (*VerifiedToken, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errcode.New(errcode.CodeMissingRequiredClaim, "token has no sub claim")
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, errcode.New(errcode.CodeMissingRequiredClaim, "token has no iat claim")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errcode.New(errcode.CodeMissingRequiredClaim, "token has no exp claim")
	}
	if time.Now().After(exp.Time) {
		return nil, errcode.New(errcode.CodeTokenExpired, "token is expired")
	}

	allowed := s.audiences
	if len(key.Audiences) > 0 {
		allowed = key.Audiences
	}
	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return nil, errcode.New(errcode.CodeAudMismatch, "token has no aud claim")
	}
	if !overlaps(auds, allowed) {
		return nil, errcode.Newf(errcode.CodeAudMismatch, "token audience %v is not accepted", []string(auds))
	}

	maxLifetime := s.maxLifetime
	if key.MaxLifetime > 0 {
		maxLifetime = key.MaxLifetime
	}
	if lifetime := exp.Sub(iat.Time); lifetime > maxLifetime {
		return nil, errcode.Newf(errcode.CodeMaxLifetimeExceeded,
			"token lifetime %s exceeds the maximum of %s", lifetime, maxLifetime)
	}

	vt := &VerifiedToken{UserID: sub, ExpiresAt: exp.Time, Claims: claims}
	if p, ok := claims["parameters"].(map[string]any); ok {
		vt.Parameters = p
	}
	return vt, nil
}

func (s *KeyStore) collect(ctx context.Context) ([]Key, error) {
	var keys []Key
	var firstErr error
	for _, c := range s.collectors {
		ks, err := c.Keys(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Warn().Err(err).Msg("key collector failed")
			continue
		}
		keys = append(keys, ks...)
	}
	return keys, firstErr
}

func (s *KeyStore) refreshInBackground() {
	for _, c := range s.collectors {
		r, ok := c.(Refresher)
		if !ok {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.Refresh(ctx); err != nil {
				s.log.Warn().Err(err).Msg("background key refresh failed")
			}
		}()
	}
}

func overlaps(have []string, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// TokenFromRequest extracts the bearer token from the Authorization header
// or, for clients that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return h[7:], nil
		}
		return "", errcode.New(errcode.CodeUnauthorized, "authorization header is not a bearer token")
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", errcode.New(errcode.CodeUnauthorized, "no token in request")
}

type ctxKey string

const ctxToken ctxKey = "verified_token"

// WithToken stows the verified token for downstream handlers.
func WithToken(ctx context.Context, t *VerifiedToken) context.Context {
	return context.WithValue(ctx, ctxToken, t)
}

// TokenFromContext returns the verified token placed by the auth middleware,
// or nil outside authenticated routes.
func TokenFromContext(ctx context.Context) *VerifiedToken {
	t, _ := ctx.Value(ctxToken).(*VerifiedToken)
	return t
}
