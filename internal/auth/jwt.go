package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var ErrAuthentication = errors.New("authentication failed")

// Authenticator turns a presented credential into a user id.
type Authenticator interface {
	Authenticate(credential string) (string, error)
}

// JWTAuthenticator verifies HS256 access tokens issued by the auth service.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTAuthenticator constructs a verifier. Empty issuer or audience disables that check.
func NewJWTAuthenticator(secret, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, audience: audience}
}

type accessClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Authenticate validates the token signature, expiry, issuer and audience.
func (a *JWTAuthenticator) Authenticate(credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing credential", ErrAuthentication)
	}

	var claims accessClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", fmt.Errorf("%w: unexpected issuer", ErrAuthentication)
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return "", fmt.Errorf("%w: unexpected audience", ErrAuthentication)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrAuthentication)
	}
	return userID, nil
}

// CredentialFromRequest extracts a bearer token from the Authorization
// header, the token query parameter or the accessToken cookie.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("accessToken"); err == nil {
		return cookie.Value
	}
	return ""
}
