// Package http holds the pieces the API router is assembled from: the Module
// contract each bounded context implements, and the route groups a module
// may mount on. The leads module is the only one mounted today.
package http

import (
	"github.com/gin-gonic/gin"
)

// Module is a bounded context that mounts its own routes. Lead intake,
// stage reads, assignee rosters and dispatch history all arrive through one.
type Module interface {
	// Name is used in startup logs.
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext hands a module the groups it may mount on.
type RouterContext struct {
	Engine *gin.Engine
	// V1 is /api/v1 without tenant scoping.
	V1 *gin.RouterGroup
	// Tenant is /api/v1 behind the X-Organization-ID check. Every lead and
	// campaign route belongs here so one tenant never reads another's data.
	Tenant *gin.RouterGroup
}
