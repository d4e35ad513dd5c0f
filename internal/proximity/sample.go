package proximity

import (
	"errors"
	"time"
)

var (
	ErrEmptyDeviceID = errors.New("sample missing device id")
	ErrNoTimestamp   = errors.New("sample missing timestamp")
	ErrBadRSSI       = errors.New("sample rssi out of range")
)

// RSSI 合法区间。BLE 接收强度不会超出该范围，越界视为坏样本。
const (
	MinRSSI = -127
	MaxRSSI = 20
)

// Sample 单次广播采样。由外部扫描进程产生，进入引擎后即丢弃。
type Sample struct {
	DeviceID   string    `json:"deviceId"`
	RSSI       int       `json:"rssi"` // dBm
	ObservedAt time.Time `json:"observedAt"`
}

// Validate 校验采样合法性。坏样本在进入引擎前被拒绝，不触碰任何状态。
func (s Sample) Validate() error {
	if s.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if s.ObservedAt.IsZero() {
		return ErrNoTimestamp
	}
	if s.RSSI < MinRSSI || s.RSSI > MaxRSSI {
		return ErrBadRSSI
	}
	return nil
}
