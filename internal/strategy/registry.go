package strategy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Snapshot 公开的策略快照。
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Definitions map[string]Definition
}

// IDs returns the strategy ids in sorted order.
func (s Snapshot) IDs() []string {
	out := make([]string, 0, len(s.Definitions))
	for id := range s.Definitions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 管理策略定义，可选监听文件变化热加载。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取策略文件；watch 为 true 时文件变更自动重载，
// 重载失败保留上一份快照。
func NewRegistry(path string, watch bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read strategy config failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			if err := r.Reload(); err != nil {
				logger.Errorf("strategy reload failed: %v", err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

// Reload 重新读取文件并整体替换快照。任一定义非法则整体失败。
func (r *Registry) Reload() error {
	cfg, err := readStrategyFile(r.path)
	if err != nil {
		return err
	}
	defs := make(map[string]Definition, len(cfg.Strategies))
	for name, def := range cfg.Strategies {
		norm, err := normalizeDefinition(name, def)
		if err != nil {
			return err
		}
		if _, dup := defs[norm.ID]; dup {
			return fmt.Errorf("duplicate strategy id %s", norm.ID)
		}
		defs[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:     r.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Definitions: defs,
	}
	r.mu.Unlock()
	logger.Infof("strategy registry loaded %d definitions from %s", len(defs), filepath.Base(r.path))
	return nil
}

// Snapshot 返回当前定义集。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Definition 返回指定 ID 的策略。
func (r *Registry) Definition(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.snapshot.Definitions[strings.TrimSpace(id)]
	return def, ok
}

// Subscribe 注册重载回调。
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("strategy listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:     src.Version,
		LoadedAt:    src.LoadedAt,
		Definitions: make(map[string]Definition, len(src.Definitions)),
	}
	for id, def := range src.Definitions {
		dst.Definitions[id] = def
	}
	return dst
}

func readStrategyFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read strategy config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse strategy config failed: %w", err)
	}
	return cfg, nil
}
