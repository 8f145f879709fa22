package mockapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type claims struct {
	Email string `json:"email"`
	Epoch int    `json:"epoch"`
	jwt.RegisteredClaims
}

func (s *Server) newAccessToken(email string) (string, error) {
	now := s.now().UTC()
	c := claims{
		Email: email,
		Epoch: s.epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   email,
			Issuer:    "parentsync-mockapi",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

var errStaleEpoch = errors.New("token issued before revocation")

// parseAccessToken verifies signature, expiry and epoch. Callers hold s.mu.
func (s *Server) parseAccessToken(tokenString string) (*claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if c.Epoch != s.epoch {
		return nil, errStaleEpoch
	}
	return c, nil
}

func newRefreshToken() string {
	return uuid.NewString()
}

// tokenLifetime is reported as expires_in.
func (s *Server) tokenLifetime() int {
	return int(s.accessTTL / time.Second)
}
