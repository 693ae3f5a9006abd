package auth

import (
	"fmt"
	"sendme/domain"
	"sendme/errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuerName = "sendme"

// Claims defines the structure of the data stored inside the JWT.
type Claims struct {
	ParticipantID string `json:"participant_id"`
	jwt.RegisteredClaims
}

// Issuer stands in for the identity provider: it signs participant tokens
// and checks them at the transport boundary. The core never looks inside.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid issuer config: %w", err)
	}
	return &Issuer{secret: []byte(cfg.Secret), ttl: cfg.TTL, now: time.Now}, nil
}

// Identity issues a token for participant.
func (i *Issuer) Identity(participant domain.ParticipantID) (domain.Identity, error) {
	token, err := i.Issue(participant)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{Participant: participant, Token: token}, nil
}

// Issue creates a signed HS256 JWT for a participant.
func (i *Issuer) Issue(participant domain.ParticipantID) (string, error) {
	now := i.now()
	claims := &Claims{
		ParticipantID: string(participant),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participant),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuerName,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Validate parses and validates the signature and expiration of a JWT string.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrUnauthenticated, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ParticipantID != "" {
		return claims, nil
	}
	return nil, fmt.Errorf("%w: %v", errors.ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
}
