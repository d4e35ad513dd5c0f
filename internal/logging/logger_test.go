package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/doorlink/proximity-server/internal/config"
)

func TestInitLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, err := InitLogger(cfgpkg.LoggingConfig{
		Level:  "debug",
		Format: "json",
		File:   cfgpkg.LumberjackConfig{Filename: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	logger.Info("probe entry")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("log file is empty")
	}
}

func TestInitLoggerStdoutOnlyWhenNoFile(t *testing.T) {
	logger, err := InitLogger(cfgpkg.LoggingConfig{Level: "info", Format: "console"})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	// 未配置文件路径时不得创建任何日志文件
	logger.Info("console only")
	if _, err := os.Stat("logs"); !os.IsNotExist(err) {
		t.Fatal("no log directory should be created without a filename")
	}
}

func TestInitLoggerFallsBackOnBadLevel(t *testing.T) {
	logger, err := InitLogger(cfgpkg.LoggingConfig{Level: "shouting", Format: "json"})
	if err != nil {
		t.Fatalf("bad level must fall back, not fail: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("fallback level should be info")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("fallback level should not enable debug")
	}
}
