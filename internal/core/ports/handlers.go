package ports

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar is implemented by HTTP handlers that mount their routes on
// an authenticated group.
type RouteRegistrar interface {
	SetupRoutes(group *gin.RouterGroup)
}
