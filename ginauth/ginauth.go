// Package ginauth adapts AgentAuth to Gin: a guard middleware for
// protecting routes behind a capability token, and registration of the
// /v1 challenge endpoints on a Gin router.
package ginauth

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dyshay/agentauth/challenge"
	"github.com/dyshay/agentauth/engine"
	"github.com/dyshay/agentauth/token"
)

const claimsKey = "agentauth_claims"

// Middleware returns a Gin handler that verifies the request's capability
// token. On success the AgentAuth-* headers are set and the claims are
// stored on the context for ClaimsFrom; failures abort with the token
// error's status.
//
// Usage:
//
//	r := gin.Default()
//	r.Use(ginauth.Middleware(engine.GuardOptions()))
//	r.GET("/protected", handler)
func Middleware(opts token.GuardOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := token.VerifyRequest(c.Request, opts)
		if err != nil {
			status, typ, message := http.StatusUnauthorized, "invalid_token", err.Error()
			var terr *token.Error
			if errors.As(err, &terr) {
				status, typ, message = terr.Status, terr.Type, terr.Message
			}
			abortError(c, status, typ, message)
			return
		}

		for name, value := range res.Headers {
			c.Header(name, value)
		}
		c.Set(claimsKey, res.Claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims Middleware stored on c, or nil when the
// request did not pass through the guard.
func ClaimsFrom(c *gin.Context) *token.Claims {
	val, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := val.(*token.Claims)
	return claims
}

// RegisterRoutes mounts the four /v1 challenge and token endpoints on r
// with the same semantics as the net/http surface.
func RegisterRoutes(r gin.IRouter, e *engine.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/challenge/init", handleInit(e))
	v1.GET("/challenge/:id", handleGet(e))
	v1.POST("/challenge/:id/solve", handleSolve(e))
	v1.GET("/token/verify", handleVerify(e))
}

func handleInit(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var opts engine.InitOptions
		if err := bindJSON(c, &opts); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if opts.Difficulty != "" {
			if _, err := challenge.ParseDifficulty(string(opts.Difficulty)); err != nil {
				abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}

		res, err := e.InitChallenge(c.Request.Context(), &opts)
		if err != nil {
			if errors.Is(err, engine.ErrUnknownType) {
				abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			abortError(c, http.StatusInternalServerError, "internal_error", "challenge init failed")
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func handleGet(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionToken := token.BearerToken(c.Request)
		if sessionToken == "" {
			abortError(c, http.StatusUnauthorized, "missing_token", "missing bearer session token")
			return
		}

		ch, err := e.GetChallenge(c.Request.Context(), c.Param("id"), sessionToken)
		if err != nil {
			abortError(c, http.StatusInternalServerError, "internal_error", "challenge lookup failed")
			return
		}
		if ch == nil {
			abortError(c, http.StatusNotFound, "challenge_not_found", "challenge not found")
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

func handleSolve(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.SolveRequest
		if err := bindJSON(c, &req); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if req.Answer == "" || req.HMAC == "" {
			abortError(c, http.StatusBadRequest, "invalid_request", "answer and hmac are required")
			return
		}

		res, err := e.SolveChallenge(c.Request.Context(), c.Param("id"), &req)
		if err != nil {
			abortError(c, http.StatusInternalServerError, "internal_error", "solve failed")
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleVerify(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := token.BearerToken(c.Request)
		if raw == "" {
			abortError(c, http.StatusUnauthorized, "missing_token", "missing bearer token")
			return
		}
		c.JSON(http.StatusOK, e.VerifyToken(raw))
	}
}

// bindJSON decodes the request body into v, treating an empty body as the
// zero value so optional-body routes keep their defaults.
func bindJSON(c *gin.Context, v any) error {
	err := c.ShouldBindJSON(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func abortError(c *gin.Context, status int, typ, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"type": typ, "message": message},
	})
}
