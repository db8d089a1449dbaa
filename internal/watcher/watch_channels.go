package watcher

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/nokwatch/internal/core"
)

// SetChannels replaces the watched channel set. New channels are picked up on
// the next poll cycle; removed channels have any active collection stopped.
func (w *Watcher) SetChannels(channels []core.Channel) {
	next := make(map[string]core.Channel, len(channels))
	for _, ch := range channels {
		next[ch.ID] = ch
	}

	w.mu.Lock()
	var stopped []*activeCollection
	for id, st := range w.channels {
		if _, keep := next[id]; !keep {
			if st.active != nil {
				stopped = append(stopped, st.active)
			}
			delete(w.channels, id)
		}
	}
	added := 0
	for id, ch := range next {
		if st, ok := w.channels[id]; ok {
			st.ch = ch
			continue
		}
		w.channels[id] = &channelState{ch: ch}
		added++
	}
	total := len(w.channels)
	w.mu.Unlock()

	for _, ac := range stopped {
		ac.stop("channel_removed")
	}
	slog.Info("watcher: channel set updated", "total", total, "added", added, "removed", len(stopped))
}

// WatchChannelsFile hot-reloads the channel list whenever the file changes.
// Editors replace rather than rewrite files, so Remove/Rename re-adds the
// watch and events are debounced before reloading.
func (w *Watcher) WatchChannelsFile(path string, load func(string) ([]core.Channel, error)) error {
	if path == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := fw.Add(ev.Name); err != nil {
						slog.Error("watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				channels, err := load(path)
				if err != nil {
					slog.Error("channel reload failed", "path", path, "err", err)
					continue
				}
				w.SetChannels(channels)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Error("watch error", "err", err)
			}
		}
	}()
	return nil
}
