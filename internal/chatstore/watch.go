package chatstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch drops cached sidebar summaries when conversation files change on
// disk behind the store's back (another process, manual edits). It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch chat dir %s: %w", s.dir, err)
	}
	s.logger.Info().Str("event", "chatstore.watcher_started").Str("dir", s.dir).Msg("watching chat directory")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str("event", "chatstore.watcher_stopped").Msg("chat directory watcher stopped")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, fileExt) {
				continue
			}
			sid := strings.TrimSuffix(name, fileExt)
			s.invalidate(sid)
			s.logger.Debug().Str("sid", sid).Str("op", ev.Op.String()).Msg("conversation file changed")
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(werr).Msg("chat directory watcher error")
		}
	}
}

