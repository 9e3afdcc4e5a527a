package handlers

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phonginreallife/opsbridge/internal/config"
	"github.com/phonginreallife/opsbridge/services"
	"golang.org/x/crypto/bcrypt"
)

// CronSecretHeader carries the shared secret used by scheduled callers
const CronSecretHeader = "x-cron-secret"

// Context keys set by OperatorAuth
const (
	authMethodKey  = "auth_method"
	userIDKey      = "user_id"
	userEmailKey   = "user_email"
	tokenHotelKey  = "token_hotel_id"
	authMethodCron = "cron_secret"
	authMethodJWT  = "bearer"
)

// OperatorAuth admits either a scheduler holding the cron secret or an
// operator presenting a valid bearer token.
type OperatorAuth struct {
	cronSecret     string
	cronSecretHash []byte
	identity       *services.IdentityService
}

func NewOperatorAuth(cfg config.AutopilotConfig, identity *services.IdentityService) *OperatorAuth {
	a := &OperatorAuth{
		cronSecret: cfg.CronSecret,
		identity:   identity,
	}
	if cfg.CronSecretHash != "" {
		a.cronSecretHash = []byte(cfg.CronSecretHash)
	}
	return a
}

func (a *OperatorAuth) cronConfigured() bool {
	return a.cronSecret != "" || len(a.cronSecretHash) > 0
}

func (a *OperatorAuth) checkCronSecret(supplied string) bool {
	if len(a.cronSecretHash) > 0 {
		return bcrypt.CompareHashAndPassword(a.cronSecretHash, []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.cronSecret), []byte(supplied)) == 1
}

// Middleware rejects the request with 401 unless one of the two methods succeeds
func (a *OperatorAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.cronConfigured() && !a.identity.IsConfigured() {
			abortWithError(c, http.StatusInternalServerError, "authentication is not configured")
			return
		}

		if secret := c.GetHeader(CronSecretHeader); secret != "" {
			if a.cronConfigured() && a.checkCronSecret(secret) {
				c.Set(authMethodKey, authMethodCron)
				c.Next()
				return
			}
			log.Printf("AUTH FAILED - invalid cron secret from %s", c.ClientIP())
			abortWithError(c, http.StatusUnauthorized, "invalid cron secret")
			return
		}

		token, err := services.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, services.PublicMessage(err))
			return
		}

		claims, err := a.identity.ValidateToken(token)
		if err != nil {
			log.Printf("AUTH FAILED - bearer token rejected: %v", err)
			abortWithError(c, http.StatusUnauthorized, services.PublicMessage(err))
			return
		}

		c.Set(authMethodKey, authMethodJWT)
		c.Set(userIDKey, claims.Subject)
		c.Set(userEmailKey, claims.Email)
		if claims.HotelID != "" {
			c.Set(tokenHotelKey, claims.HotelID)
		}
		c.Next()
	}
}

// scopeHotel applies the tenant bound to a bearer token. Cron callers may
// target any tenant, or all of them with an empty id.
func scopeHotel(c *gin.Context, requested string) (string, bool) {
	bound := c.GetString(tokenHotelKey)
	if bound == "" {
		return requested, true
	}
	if requested != "" && requested != bound {
		return "", false
	}
	return bound, true
}
