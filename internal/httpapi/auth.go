package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"confi/backend/internal/domain"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"

	tokenIssuer = "confi"
)

// Authenticator verifies staff bearer tokens. Tokens are minted by the
// store's auth service, or by cmd/stafftoken, with the same shared secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		secret = "dev-change-me"
	}
	return &Authenticator{
		secret: []byte(secret),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *Authenticator) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &staffClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}

	role := claims.Role
	if role == "" {
		role = RoleStaff
	}
	return domain.Actor{Username: sub, Role: role}, nil
}

// IssueToken signs a staff token valid for ttl.
func (a *Authenticator) IssueToken(username string, role string, ttl time.Duration) (string, time.Time, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", time.Time{}, errors.New("username is required")
	}
	if role != RoleStaff && role != RoleAdmin {
		return "", time.Time{}, errors.New("role must be staff or admin")
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}

	now := a.now()
	expiresAt := now.Add(ttl)
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}
