package auth

import (
	"sendme/errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueValidate(t *testing.T) {
	req := require.New(t)
	issuer, err := NewIssuer(IssuerConfig{Secret: strings.Repeat("s", 32), TTL: time.Hour})
	req.NoError(err)

	identity, err := issuer.Identity("alice")
	req.NoError(err)

	claims, err := issuer.Validate(identity.Token)
	req.NoError(err)
	req.Equal("alice", claims.ParticipantID)
	req.Equal("sendme", claims.Issuer)
}

func TestIssuer_RejectsExpiredAndForeignTokens(t *testing.T) {
	req := require.New(t)
	issuer, err := NewIssuer(IssuerConfig{Secret: strings.Repeat("s", 32), TTL: time.Minute})
	req.NoError(err)
	token, err := issuer.Issue("alice")
	req.NoError(err)

	// When the clock moves past the token lifetime
	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.Validate(token)
	req.ErrorIs(err, errors.ErrUnauthenticated)

	// And a token signed with another secret is refused
	other, err := NewIssuer(IssuerConfig{Secret: strings.Repeat("o", 32), TTL: time.Minute})
	req.NoError(err)
	foreign, err := other.Issue("mallory")
	req.NoError(err)
	_, err = issuer.Validate(foreign)
	req.ErrorIs(err, errors.ErrUnauthenticated)
}

func TestNewIssuer_RejectsWeakConfig(t *testing.T) {
	req := require.New(t)

	_, err := NewIssuer(IssuerConfig{Secret: "short", TTL: time.Hour})
	req.Error(err)

	_, err = NewIssuer(IssuerConfig{Secret: strings.Repeat("s", 32)})
	req.Error(err)
}
