package security

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const rulesReloadDebounce = 300 * time.Millisecond

// WatchRules loads the extra rules file into the policy and reloads it
// whenever it changes, until ctx is done. A file that fails to parse
// keeps the previous rule set.
func (p *Policy) WatchRules(ctx context.Context, path string) error {
	if err := p.reloadRules(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(rulesReloadDebounce, func() {
					if err := p.reloadRules(path); err != nil {
						p.logger.Warn("rules reload failed, keeping previous rules",
							slog.String("path", path),
							slog.String("error", err.Error()),
						)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("rules watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

func (p *Policy) reloadRules(path string) error {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return err
	}
	p.SetExtraRules(rules)
	p.logger.Info("security rules loaded",
		slog.String("path", path),
		slog.Int("extra_rules", len(rules)),
		slog.Int("total_rules", p.RuleCount()),
	)
	return nil
}
