// Package auth verifies the bearer tokens bidders present on bid submission
// and operators present on the admin endpoints.
package auth

import (
	"time"

	"bidding-tracker/internal/biddingerrors"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Claims identify a bidder. The bidder id is the token subject. Admin marks
// operator tokens.
type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"adm,omitempty"`
}

type Service struct {
	secretKey []byte
	now       func() time.Time
}

func NewService(secretKey string) *Service {
	return &Service{secretKey: []byte(secretKey), now: time.Now}
}

// GenerateToken signs an HS256 token for bidderID valid for ttl
func (s *Service) GenerateToken(bidderID string, ttl time.Duration) (string, error) {
	return s.sign(bidderID, ttl, false)
}

// GenerateAdminToken signs an operator token for subject valid for ttl
func (s *Service) GenerateAdminToken(subject string, ttl time.Duration) (string, error) {
	return s.sign(subject, ttl, true)
}

func (s *Service) sign(subject string, ttl time.Duration, admin bool) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: admin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ValidateToken returns the bidder id carried by tokenString. Any parse,
// signature or expiry failure is biddingerrors.ErrInvalidToken.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ValidateAdminToken is ValidateToken for operator tokens. A valid token
// without the admin claim is biddingerrors.ErrNotAdmin.
func (s *Service) ValidateAdminToken(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	if !claims.Admin {
		return "", errors.Wrapf(biddingerrors.ErrNotAdmin, "subject %s", claims.Subject)
	}
	return claims.Subject, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, biddingerrors.ErrInvalidToken
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Wrap(biddingerrors.ErrInvalidToken, "token expired")
		}
		return nil, errors.Wrap(biddingerrors.ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, biddingerrors.ErrInvalidToken
	}
	return claims, nil
}
