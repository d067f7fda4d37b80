package auth

import (
	"chat-relay/errors"
	goerrors "errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const identityKey = "identity"

// Authenticator resolves a bearer token to the identity it was issued for.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// BearerToken reads the token from the Authorization header, falling back on
// the token query parameter since browsers cannot set headers on an upgrade.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get(echo.HeaderAuthorization); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware refuses the request with 401 and the failure kind before the
// handler runs, so a failed handshake never reaches the registry.
func Middleware(authenticator Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := authenticator.Authenticate(BearerToken(c.Request()))
			if err != nil {
				var authErr *errors.AuthError
				kind := errors.InvalidSignature
				if goerrors.As(err, &authErr) {
					kind = authErr.Kind
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": err.Error(),
					"code":  string(kind),
				})
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(c echo.Context) (Identity, bool) {
	identity, ok := c.Get(identityKey).(Identity)
	return identity, ok
}
