package auth

import "context"

// StaticCollector serves a fixed key set parsed from configuration.
type StaticCollector struct {
	keys []Key
}

// NewStaticCollector parses the configured JWK set. Any unparsable key fails
// the whole set.
func NewStaticCollector(jwks []JWK) (*StaticCollector, error) {
	keys := make([]Key, 0, len(jwks))
	for _, j := range jwks {
		k, err := ParseJWK(j)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return &StaticCollector{keys: keys}, nil
}

func (c *StaticCollector) Keys(context.Context) ([]Key, error) {
	return c.keys, nil
}

// NewDevCollector wraps a plain shared secret as a wildcard HS256 key, for
// development setups without an identity provider.
func NewDevCollector(secret string) *StaticCollector {
	return &StaticCollector{keys: []Key{{Alg: "HS256", material: []byte(secret)}}}
}
