package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"live-quiz-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const actorKey = "live.actor"

type Claims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier resolves the caller from a bearer token or, behind the gateway,
// from the X-User-ID family of headers.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) ValidateJWT(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token is required")
	}
	if len(v.secret) == 0 {
		return nil, errors.New("token verification is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GenerateJWT signs a token for tests and local tooling.
func (v *Verifier) GenerateJWT(actor models.Actor, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:      actor.UserID,
		DisplayName: actor.DisplayName,
		Role:        string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Middleware aborts with 401 when no identity can be resolved.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := v.resolve(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "kind": "unauthorized"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func (v *Verifier) resolve(c *gin.Context) (models.Actor, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		tokenString := strings.TrimPrefix(header, "Bearer ")
		claims, err := v.ValidateJWT(tokenString)
		if err != nil {
			return models.Actor{}, err
		}
		return models.Actor{
			UserID:      claims.UserID,
			DisplayName: claims.DisplayName,
			Role:        parseRole(claims.Role),
		}, nil
	}

	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		return models.Actor{}, errors.New("missing identity")
	}
	return models.Actor{
		UserID:      userID,
		DisplayName: c.GetHeader("X-User-Name"),
		Role:        parseRole(c.GetHeader("X-User-Role")),
	}, nil
}

func parseRole(s string) models.Role {
	switch r := models.Role(strings.ToLower(s)); r {
	case models.RoleOwner, models.RoleAdmin, models.RoleMember:
		return r
	}
	return ""
}

// ActorFrom returns the actor stored by Middleware.
func ActorFrom(c *gin.Context) (models.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return models.Actor{}, false
	}
	actor, ok := v.(models.Actor)
	return actor, ok
}
