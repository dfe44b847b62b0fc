// Package auth verifies the access tokens issued by the login endpoint.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tuyu/internal/common"
)

// Claims carries the registered claims plus the chat identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"userId"`
	Nickname string `json:"nickname"`
}

// Identity is who a verified token belongs to.
type Identity struct {
	UserID   int64
	Nickname string
}

// GenerateToken signs an HS256 token for id that expires after validityDuration.
func GenerateToken(id Identity, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		UserID:   id.UserID,
		Nickname: id.Nickname,
	})
	return token.SignedString(secretKey)
}

// ParseAccessToken verifies tokenString and returns its identity. Expired
// tokens yield common.ErrTokenExpired, anything else invalid
// common.ErrInvalidToken.
func ParseAccessToken(tokenString string, secretKey []byte) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, common.ErrTokenExpired
		}
		return Identity{}, common.ErrInvalidToken
	}
	if !token.Valid || claims.UserID <= 0 {
		return Identity{}, common.ErrInvalidToken
	}

	return Identity{UserID: claims.UserID, Nickname: claims.Nickname}, nil
}
