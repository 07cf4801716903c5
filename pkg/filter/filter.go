// Package filter refuses requests whose target host matches a pattern list.
package filter

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/WillPangZi/tinyproxy/pkg/config"
	"github.com/fsnotify/fsnotify"
)

// Filter holds the compiled pattern list. Match is safe for concurrent use;
// Reload swaps the list atomically.
type Filter struct {
	opts config.FilterOptions

	mu       sync.RWMutex
	patterns []pattern
}

type pattern struct {
	raw string
	re  *regexp.Regexp
}

// New loads the filter file named by opts.Path.
func New(opts config.FilterOptions) (*Filter, error) {
	f := &Filter{opts: opts}

	if err := f.Reload(); err != nil {
		return nil, err
	}

	return f, nil
}

// Reload re-reads the pattern file. Lines are trimmed; empty lines and lines
// starting with '#' are skipped.
func (f *Filter) Reload() error {
	file, err := os.Open(f.opts.Path)
	if err != nil {
		return fmt.Errorf("fail to open filter file: %w", err)
	}
	defer file.Close()

	var patterns []pattern

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := pattern{raw: line}
		if !f.opts.CaseSensitive {
			p.raw = strings.ToLower(p.raw)
		}

		if f.opts.Regex {
			expr := line
			if !f.opts.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("filter pattern '%s' is invalid: %w", line, err)
			}
			p.re = re
		}

		patterns = append(patterns, p)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("fail to read filter file: %w", err)
	}

	f.mu.Lock()
	f.patterns = patterns
	f.mu.Unlock()

	return nil
}

// Match reports whether host is refused by the filter list.
func (f *Filter) Match(host string) bool {
	if !f.opts.CaseSensitive {
		host = strings.ToLower(host)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, p := range f.patterns {
		if p.re != nil {
			if p.re.MatchString(host) {
				return true
			}
			continue
		}
		if strings.Contains(host, p.raw) {
			return true
		}
	}

	return false
}

func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.patterns)
}

// Watch reloads the pattern list whenever the file changes, until ctx is done.
func (f *Filter) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(f.opts.Path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := f.Reload(); err != nil {
					slog.Error("filter: fail to reload pattern file", "error", err, "path", f.opts.Path)
					continue
				}
				slog.Info("filter: pattern file reloaded", "path", f.opts.Path, "patterns", f.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("filter: watch error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
