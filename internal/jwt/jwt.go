package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/imtaco/conf-sfu/internal/errors"
)

const issuer = "conf-sfu"

type Option func(*jwtAuthImpl)

// WithAlgorithm selects the HMAC variant (HS256, HS384 or HS512). Tokens
// signed with any other algorithm are rejected.
func WithAlgorithm(method *jwt.SigningMethodHMAC) Option {
	return func(j *jwtAuthImpl) { j.signingMethod = method }
}

// WithTTL sets token lifetime. Zero issues tokens without expiry.
func WithTTL(ttl time.Duration) Option {
	return func(j *jwtAuthImpl) { j.ttl = ttl }
}

func WithClock(clock clockwork.Clock) Option {
	return func(j *jwtAuthImpl) { j.clock = clock }
}

// NewAuth returns an HS256 authenticator over secret.
func NewAuth(secret string, opts ...Option) Auth {
	j := &jwtAuthImpl{
		secret:        []byte(secret),
		signingMethod: jwt.SigningMethodHS256,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{j.signingMethod.Alg()}),
		jwt.WithTimeFunc(j.clock.Now),
		jwt.WithIssuer(issuer),
	)
	return j
}

type jwtAuthImpl struct {
	secret        []byte
	signingMethod jwt.SigningMethod
	ttl           time.Duration
	clock         clockwork.Clock
	parser        *jwt.Parser
}

func (j *jwtAuthImpl) Sign(participantID, roomID string) (string, error) {
	if participantID == "" || roomID == "" {
		return "", errors.New(ErrInvalidRequest, "participantID and roomID are required")
	}

	now := j.clock.Now()
	claims := &Payload{
		ParticipantID: participantID,
		RoomID:        roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if j.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(j.ttl))
	}

	return jwt.NewWithClaims(j.signingMethod, claims).SignedString(j.secret)
}

func (j *jwtAuthImpl) Verify(tokenString string) (*Payload, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims := &Payload{}
	_, err := j.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, errors.Wrap(ErrTokenExpired, err, "token expired")
	case err != nil:
		return nil, errors.Wrap(ErrInvalidToken, err, "token rejected")
	}

	if claims.ParticipantID == "" || claims.RoomID == "" {
		return nil, errors.New(ErrInvalidToken, "missing required fields in token")
	}
	return claims, nil
}
