package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/tradewire/go-rfqhub/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	defaultJwtExpiration = time.Hour * 24

	// devBypassToken authenticates as the seeded development account.
	// Only honored outside production.
	devBypassToken  = "dev-access-token"
	devBypassUserId = 1
)

func hashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

func (s *RfqHubApp) createJwtForSession(user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: user.Id,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *RfqHubApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// resolveToken maps a bearer token to the account id it was issued
// for. The development bypass token short-circuits signature
// verification when the environment allows it.
func (s *RfqHubApp) resolveToken(tokenString string) (int, error) {
	if tokenString == devBypassToken {
		if s.allowDevBypass {
			return devBypassUserId, nil
		}
		return 0, fmt.Errorf("development token rejected in production")
	}

	token, err := s.verifyToken(tokenString)
	if err != nil {
		return 0, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid user id claim")
	}

	return int(userId), nil
}
