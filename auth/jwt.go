package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 access tokens minted by the account service.
// The claims carry the user id in "_id" and the username in "username".
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrAuthentication
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrAuthentication
	}
	userId, _ := claims["_id"].(string)
	username, _ := claims["username"].(string)
	if userId == "" {
		return Identity{}, ErrAuthentication
	}
	return Identity{UserID: userId, Username: username}, nil
}
