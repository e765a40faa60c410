package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Options controls signing and verification.
type Options struct {
	Secret []byte
	Alg    string // HS256/HS384/HS512, default HS256
	Issuer string // checked when non-empty
	Leeway time.Duration
}

// Claims is the token payload. Tokens issued by the shop API carry only "id";
// "sub" and "name" are accepted as well.
type Claims struct {
	ID       string `json:"id,omitempty"`
	FullName string `json:"fullName,omitempty"`
	Name     string `json:"name,omitempty"`
	jwtlib.RegisteredClaims
}

func (c Claims) identity() Identity {
	id := c.ID
	if id == "" {
		id = c.Subject
	}
	name := c.FullName
	if name == "" {
		name = c.Name
	}
	if name == "" {
		name = id
	}
	return Identity{ID: id, DisplayName: name}
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	opts   Options
	parser *jwtlib.Parser
}

func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}

	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}

	return &JWTVerifier{opts: opts, parser: jwtlib.NewParser(parserOpts...)}, nil
}

// Verify checks signature, algorithm and expiry and returns the identity. All
// failures wrap ErrAuthentication.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, authError("missing credential")
	}

	var claims Claims
	parsed, err := v.parser.ParseWithClaims(credential, &claims, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	})
	if err != nil {
		return Identity{}, wrapAuthError(err, "invalid token")
	}
	if !parsed.Valid {
		return Identity{}, authError("invalid token")
	}

	id := claims.identity()
	if id.ID == "" {
		return Identity{}, authError("token has no subject")
	}
	return id, nil
}

// Issue signs a credential for identity that expires after ttl.
func Issue(opts Options, identity Identity, ttl time.Duration) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(ttl)

	claims := Claims{
		ID:       identity.ID,
		FullName: identity.DisplayName,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
