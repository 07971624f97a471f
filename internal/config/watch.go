package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nafabric/nafabric/pkg/logger"
)

// WatchDebounce 配置文件变化后的合并等待时间
var WatchDebounce = 300 * time.Millisecond

// Watch 监听配置文件，变化稳定后重新加载并回调 fn；加载失败时保留旧配置
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	return WatchFile(ctx, path, func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warnf("Config reload %s failed: %v", path, err)
			return
		}
		logger.Infof("Config reloaded from %s", path)
		fn(cfg)
	})
}

// WatchFile 监听单个文件，写入/创建/改名稳定 WatchDebounce 后回调 fn，直到 ctx 取消
// 监听的是所在目录，编辑器以改名方式保存时也能收到事件
func WatchFile(ctx context.Context, path string, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(WatchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Watch %s: %v", path, err)
		case <-fire:
			fn()
		}
	}
}
