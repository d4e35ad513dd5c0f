package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/proximity"
	"github.com/doorlink/proximity-server/internal/registry"
)

// DeviceHandler 设备查询与登记API处理器
type DeviceHandler struct {
	engine   *proximity.Engine
	registry *registry.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeviceHandler 创建设备API处理器。registry 可为 nil（未启用清单时）。
func NewDeviceHandler(engine *proximity.Engine, reg *registry.Registry, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		engine:   engine,
		registry: reg,
		logger:   logger,
		now:      time.Now,
	}
}

// ListDevices 查询当前被跟踪的设备
// GET /api/devices
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	views := h.engine.View(h.now())
	c.JSON(http.StatusOK, gin.H{
		"devices": views,
		"count":   len(views),
	})
}

// GetDevice 查询单个设备
// GET /api/devices/:deviceId
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	id := c.Param("deviceId")

	view, ok := h.engine.Device(h.now(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":    "not_found",
			"deviceId": id,
		})
		return
	}
	c.JSON(http.StatusOK, view)
}

// registerRequest 设备登记请求体
type registerRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Label    string `json:"label"`
}

// RegisterDevice 登记设备标签
// POST /api/devices
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": err.Error(),
		})
		return
	}

	h.engine.Register(req.DeviceID, req.Label)
	h.logger.Info("device registered via api",
		zap.String("device_id", req.DeviceID),
		zap.String("label", req.Label))

	c.JSON(http.StatusCreated, gin.H{
		"deviceId": req.DeviceID,
		"label":    req.Label,
	})
}

// ForgetDevice 移除设备登记与跟踪状态
// DELETE /api/devices/:deviceId
func (h *DeviceHandler) ForgetDevice(c *gin.Context) {
	id := c.Param("deviceId")
	h.engine.Forget(id)
	h.logger.Info("device forgotten via api", zap.String("device_id", id))
	c.Status(http.StatusNoContent)
}

// ListRegistry 查询清单内容
// GET /api/registry
func (h *DeviceHandler) ListRegistry(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "devices": []registry.Entry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"devices": h.registry.Entries(),
	})
}
