package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// ErrAuthentication is returned for missing, malformed or unverifiable bearer tokens.
// Its text is sent to clients verbatim, hence the capital.
var ErrAuthentication = errors.New("Authentication error")

// Role identifies which side of a room a connection occupies
type Role string

const (
	RoleController Role = "controller"
	RoleDevice     Role = "device"
)

// Identity is the result of a successful verification. Zero times mean the claim
// was absent or could not be parsed.
type Identity struct {
	SubjectID string
	Role      Role
	ExpiresAt time.Time
	StartsAt  time.Time
}

// signingKey pairs a secret with the role it grants
type signingKey struct {
	role   Role
	secret []byte
}

// Verifier validates bearer tokens against an ordered list of secrets.
//
// The first secret under which a token validates decides its role. The order is
// controller first, device second; a token that validates under both is treated
// as a controller token.
type Verifier struct {
	keys  []signingKey
	clock clockwork.Clock
}

// Option configures a Verifier
type Option func(*Verifier)

// WithClock overrides the clock used for exp/nbf validation.
func WithClock(clock clockwork.Clock) Option {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewVerifier creates a verifier that tries the controller secret, then the device secret.
func NewVerifier(controllerSecret, deviceSecret string, opts ...Option) (*Verifier, error) {
	controllerSecret = strings.TrimSpace(controllerSecret)
	deviceSecret = strings.TrimSpace(deviceSecret)
	if controllerSecret == "" || deviceSecret == "" {
		return nil, errors.New("controller and device token secrets must not be empty")
	}

	v := &Verifier{
		keys: []signingKey{
			{role: RoleController, secret: []byte(controllerSecret)},
			{role: RoleDevice, secret: []byte(deviceSecret)},
		},
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify validates the token and derives the identity it grants.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w - No token provided", ErrAuthentication)
	}

	for _, key := range v.keys {
		claims, err := v.parse(token, key.secret)
		if err != nil {
			continue
		}
		if strings.TrimSpace(claims.ID) == "" {
			return Identity{}, fmt.Errorf("%w - Token has no subject id", ErrAuthentication)
		}

		identity := Identity{SubjectID: claims.ID, Role: key.role}
		if key.role == RoleController {
			identity.ExpiresAt = claims.SessionExpiresAt.Time
			identity.StartsAt = claims.SessionStartsAt.Time
		}
		return identity, nil
	}

	return Identity{}, fmt.Errorf("%w - Invalid token", ErrAuthentication)
}

func (v *Verifier) parse(token string, secret []byte) (*sessionClaims, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("%w - No token provided", ErrAuthentication)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w - Malformed authorization header", ErrAuthentication)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w - No token provided", ErrAuthentication)
	}
	return token, nil
}
