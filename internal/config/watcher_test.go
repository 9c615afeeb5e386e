package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-council/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_FollowAppliesReloadedRoutes(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	var mu sync.Mutex
	var got config.Config
	applied := make(chan struct{}, 16)
	go w.Follow(ctx, func(cfg config.Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
		applied <- struct{}{}
	})

	body := []byte("router:\n  routes:\n    risk_analyst:\n      base_priority: high\n")
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	_ = os.WriteFile(cfgPath, body, 0o644)
	for {
		select {
		case <-applied:
			mu.Lock()
			rc, ok := got.Router.Routes["risk_analyst"]
			mu.Unlock()
			if ok && rc.BasePriority == "high" {
				return
			}
		case <-tick.C:
			_ = os.WriteFile(cfgPath, body, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}
