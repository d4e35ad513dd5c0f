package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Entry 配对清单中的一条设备记录。
// deviceId 由配对层解析为稳定身份地址，label 对引擎完全不透明。
type Entry struct {
	DeviceID string `yaml:"deviceId" json:"deviceId"`
	Label    string `yaml:"label" json:"label"`
}

// File 清单文件结构
type File struct {
	Devices []Entry `yaml:"devices" json:"devices"`
}

// Target 清单同步的目标（引擎实现该接口）
type Target interface {
	Register(deviceID, label string)
	Forget(deviceID string)
}

// Observer 清单事件回调
type Observer interface {
	Record(operation, status string)
}

// ObserverFunc 函数式 Observer
type ObserverFunc func(operation, status string)

func (f ObserverFunc) Record(operation, status string) {
	if f != nil {
		f(operation, status)
	}
}

// Registry 配对设备清单。从文件加载，可选监听变更热同步。
// 配对/解配对流程本身在别的进程，这里只消费它落盘的清单。
type Registry struct {
	path   string
	target Target
	logger *zap.Logger
	obs    Observer

	mu      sync.RWMutex
	entries map[string]string // deviceID -> label
}

// New 创建清单
func New(path string, target Target, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		path:    path,
		target:  target,
		logger:  logger,
		obs:     ObserverFunc(func(string, string) {}),
		entries: make(map[string]string),
	}
}

// SetObserver 注入事件回调
func (r *Registry) SetObserver(obs Observer) {
	if obs != nil {
		r.obs = obs
	}
}

// Load 读取清单文件并同步到目标。文件缺失不视为错误：
// 空清单启动，等待文件出现后由 Watch 补齐。
func (r *Registry) Load() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("device registry file not found, starting empty",
				zap.String("path", r.path))
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("unmarshal registry: %w", err)
	}
	r.apply(f)
	return nil
}

// apply 用新清单替换旧清单：新增/改名的设备登记进目标，
// 消失的设备从目标移除（其跟踪一并废弃）。
func (r *Registry) apply(f File) {
	next := make(map[string]string, len(f.Devices))
	for _, e := range f.Devices {
		if e.DeviceID == "" {
			continue
		}
		next[e.DeviceID] = e.Label
	}

	r.mu.Lock()
	prev := r.entries
	r.entries = next
	r.mu.Unlock()

	added, removed := 0, 0
	for id, label := range next {
		if old, ok := prev[id]; !ok || old != label {
			r.target.Register(id, label)
			if !ok {
				added++
			}
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			r.target.Forget(id)
			removed++
		}
	}

	r.obs.Record("registry", "synced")
	r.logger.Info("device registry synced",
		zap.Int("devices", len(next)),
		zap.Int("added", added),
		zap.Int("removed", removed))
}

// Known 判断设备是否在清单内（strict 模式下的入口过滤用）
func (r *Registry) Known(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[deviceID]
	return ok
}

// Entries 返回清单全部记录，按 deviceID 排序
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for id, label := range r.entries {
		out = append(out, Entry{DeviceID: id, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count 清单内设备数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Watch 监听清单文件所在目录，文件变更后延迟重载（等待写入完成）。
// 监听目录而非文件本身：编辑器保存往往是 rename+create。
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.logger.Info("watching device registry", zap.String("path", r.path))

	go func() {
		defer watcher.Close()
		base := filepath.Base(r.path)
		var reload *time.Timer
		for {
			select {
			case <-ctx.Done():
				if reload != nil {
					reload.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// 合并抖动：100ms 内的连续事件只触发一次重载
				if reload != nil {
					reload.Stop()
				}
				reload = time.AfterFunc(100*time.Millisecond, func() {
					if err := r.Load(); err != nil {
						r.obs.Record("registry", "reload_failed")
						r.logger.Warn("registry reload failed", zap.Error(err))
						return
					}
					r.obs.Record("registry", "reloaded")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
