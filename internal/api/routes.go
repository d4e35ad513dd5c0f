package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/api/middleware"
	"github.com/doorlink/proximity-server/internal/proximity"
	"github.com/doorlink/proximity-server/internal/registry"
)

// RegisterDeviceRoutes 注册设备查询与登记路由
func RegisterDeviceRoutes(
	r *gin.Engine,
	engine *proximity.Engine,
	reg *registry.Registry,
	authCfg middleware.AuthConfig,
	logger *zap.Logger,
) {
	if r == nil || engine == nil {
		return
	}

	handler := NewDeviceHandler(engine, reg, logger)

	api := r.Group("/api")
	api.Use(middleware.CORS())
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	api.GET("/devices", handler.ListDevices)
	api.GET("/devices/:deviceId", handler.GetDevice)
	api.POST("/devices", handler.RegisterDevice)
	api.DELETE("/devices/:deviceId", handler.ForgetDevice)
	api.GET("/registry", handler.ListRegistry)
}
