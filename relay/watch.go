package relay

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/modbot-relay/chat"
)

// ParseChannels reads "identity channel" pairs, one per line. Blank lines and
// lines starting with "#" followed by a space are skipped; a comma also
// separates the two fields.
func ParseChannels(r io.Reader) ([]chat.ConnectionKey, error) {
	var out []chat.ConnectionKey
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "#" || strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "//") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if len(fields) < 2 {
			continue
		}
		key := chat.NewConnectionKey(fields[0], fields[1])
		if key.Identity == "" || key.Channel == "" {
			continue
		}
		out = append(out, key)
	}
	return out, sc.Err()
}

// SyncChannelsFile makes the background listeners owned by the channels file
// match its current contents. Keys that failed to prime are retried on the next sync.
func (r *Relay) SyncChannelsFile(ctx context.Context, path string) error {
	f, err := os.Open(path) //nolint:gosec // operator-provided path
	if err != nil {
		return err
	}
	keys, err := ParseChannels(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	want := make(map[chat.ConnectionKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	r.mu.Lock()
	var added, removed []chat.ConnectionKey
	for k := range want {
		if _, ok := r.watched[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range r.watched {
		if _, ok := want[k]; !ok {
			removed = append(removed, k)
		}
	}
	r.watched = want
	r.mu.Unlock()

	for _, k := range removed {
		r.releaseBackground(k)
	}
	if len(added) > 0 {
		res := r.InitializeExisting(ctx, added)
		r.mu.Lock()
		for k := range res.Failed {
			delete(r.watched, k)
		}
		r.mu.Unlock()
	}
	slog.Info("channels file applied", slog.String("component", "relay"), slog.String("path", path),
		slog.Int("added", len(added)), slog.Int("removed", len(removed)))
	return nil
}

// WatchChannelsFile applies path once and then again whenever it changes. The
// directory is watched so editors that replace the file are picked up.
func (r *Relay) WatchChannelsFile(ctx context.Context, path string) error {
	if err := r.SyncChannelsFile(ctx, path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer func() { _ = w.Close() }()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				if err := r.SyncChannelsFile(ctx, path); err != nil {
					slog.Error("channels file reload failed", slog.String("component", "relay"),
						slog.String("path", path), slog.Any("err", err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("channels file watch error", slog.String("component", "relay"), slog.Any("err", err))
			}
		}
	}()
	return nil
}
