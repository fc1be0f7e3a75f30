// Package api defines the HTTP handlers of the notification service: the
// internal dispatch endpoints and the health probes.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// InternalTokenHeader carries the shared secret for the internal endpoints.
const InternalTokenHeader = "X-Internal-Token"

// Sender is the dispatcher surface the handlers drive.
type Sender interface {
	SendToUser(ctx context.Context, userID string, req dispatch.Request) (*dispatch.Result, error)
	SendToUsers(ctx context.Context, userIDs []string, req dispatch.Request) (*dispatch.Result, error)
	SendToTeam(ctx context.Context, teamID string, req dispatch.Request) (*dispatch.Result, error)
	SendToAgency(ctx context.Context, agencyID string, req dispatch.Request) (*dispatch.Result, error)
}

// ReadinessCheck returns nil when the service can take traffic.
type ReadinessCheck func() error

// API holds the dependencies for the HTTP handlers.
type API struct {
	sender Sender
	ready  ReadinessCheck
	logger zerolog.Logger
}

type usersRequest struct {
	UserIDs []string `json:"userIds" binding:"required,min=1"`
	dispatch.Request
}

// NewAPI creates the handlers. ready may be nil, in which case the service is
// always ready.
func NewAPI(sender Sender, ready ReadinessCheck, logger zerolog.Logger) (*API, error) {
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if ready == nil {
		ready = func() error { return nil }
	}
	return &API{
		sender: sender,
		ready:  ready,
		logger: logger.With().Str("component", "API").Logger(),
	}, nil
}

// Register mounts the routes on r. With a non-empty internalToken the
// dispatch endpoints require it in the X-Internal-Token header.
func (a *API) Register(r gin.IRouter, internalToken string) {
	r.GET("/healthz", a.HealthHandler)
	r.GET("/readyz", a.ReadyHandler)

	internal := r.Group("/internal/notify")
	if internalToken != "" {
		internal.Use(RequireInternalToken(internalToken))
	}
	internal.POST("/users", a.SendToUsersHandler)
	internal.POST("/users/:id", a.SendToUserHandler)
	internal.POST("/teams/:id", a.SendToTeamHandler)
	internal.POST("/agencies/:id", a.SendToAgencyHandler)
}

// RequireInternalToken rejects requests without the shared secret.
func RequireInternalToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(InternalTokenHeader))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal token"})
			return
		}
		c.Next()
	}
}

// SendToUserHandler notifies the user in the path.
func (a *API) SendToUserHandler(c *gin.Context) {
	var req dispatch.Request
	if !a.bind(c, &req) {
		return
	}
	res, err := a.sender.SendToUser(c.Request.Context(), c.Param("id"), req)
	a.respond(c, res, err)
}

// SendToUsersHandler notifies the users listed in the body.
func (a *API) SendToUsersHandler(c *gin.Context) {
	var req usersRequest
	if !a.bind(c, &req) {
		return
	}
	res, err := a.sender.SendToUsers(c.Request.Context(), req.UserIDs, req.Request)
	a.respond(c, res, err)
}

// SendToTeamHandler notifies the active members of the team in the path.
func (a *API) SendToTeamHandler(c *gin.Context) {
	var req dispatch.Request
	if !a.bind(c, &req) {
		return
	}
	res, err := a.sender.SendToTeam(c.Request.Context(), c.Param("id"), req)
	a.respond(c, res, err)
}

// SendToAgencyHandler notifies the active members of the agency in the path.
func (a *API) SendToAgencyHandler(c *gin.Context) {
	var req dispatch.Request
	if !a.bind(c, &req) {
		return
	}
	res, err := a.sender.SendToAgency(c.Request.Context(), c.Param("id"), req)
	a.respond(c, res, err)
}

func (a *API) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		a.logger.Warn().Err(err).Str("path", c.FullPath()).Msg("Invalid notification request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

func (a *API) respond(c *gin.Context, res *dispatch.Result, err error) {
	if err != nil {
		if errors.Is(err, notify.ErrEmptyRecipients) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Dispatch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch notification"})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// HealthHandler reports liveness.
func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadyHandler reports readiness.
func (a *API) ReadyHandler(c *gin.Context) {
	if err := a.ready(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
