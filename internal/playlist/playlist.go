// Package playlist maintains an HLS media playlist over the chunks of a
// recording as they are finalized.
package playlist

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/chunkrec/internal/chunk"
	"github.com/jmylchreest/chunkrec/internal/storage"
)

// ErrFinished is returned when chunks are added after Finish.
var ErrFinished = errors.New("playlist is finished")

const playlistVersion = 7

// Builder rewrites an EVENT playlist after every chunk. It is safe for
// concurrent use.
type Builder struct {
	dir  *storage.Dir
	name string
	mode chunk.Mode

	mu       sync.Mutex
	initURI  string
	segments []*playlist.MediaSegment
	maxDur   time.Duration
	finished bool
}

// New creates a builder writing name into dir.
func New(dir *storage.Dir, name string, mode chunk.Mode) *Builder {
	return &Builder{dir: dir, name: name, mode: mode}
}

// Name returns the playlist file name.
func (b *Builder) Name() string {
	return b.name
}

// Add appends a finalized chunk and rewrites the playlist. The init segment
// becomes the playlist's map in shared mode and is ignored otherwise.
func (b *Builder) Add(c chunk.Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return ErrFinished
	}

	if c.Kind == chunk.KindInit {
		if b.mode != chunk.ModeShared {
			return nil
		}
		b.initURI = filepath.Base(c.Path)
		return b.write()
	}

	b.segments = append(b.segments, &playlist.MediaSegment{
		Duration: c.Duration,
		URI:      filepath.Base(c.Path),
	})
	b.maxDur = max(b.maxDur, c.Duration)
	return b.write()
}

// Finish marks the playlist complete. Finish is idempotent.
func (b *Builder) Finish() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return nil
	}
	b.finished = true
	return b.write()
}

// Segments returns the number of media segments listed.
func (b *Builder) Segments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}

func (b *Builder) write() error {
	data, err := b.media().Marshal()
	if err != nil {
		return fmt.Errorf("marshaling playlist: %w", err)
	}
	if err := b.dir.AtomicWrite(b.name, data); err != nil {
		return fmt.Errorf("writing playlist: %w", err)
	}
	return nil
}

func (b *Builder) media() *playlist.Media {
	typ := playlist.MediaPlaylistTypeEvent
	m := &playlist.Media{
		Version:             playlistVersion,
		IndependentSegments: true,
		TargetDuration:      targetDuration(b.maxDur),
		PlaylistType:        &typ,
		Endlist:             b.finished,
		Segments:            b.segments,
	}
	if b.initURI != "" {
		m.Map = &playlist.MediaMap{URI: b.initURI}
	}
	return m
}

// targetDuration is the longest segment rounded up to whole seconds.
func targetDuration(d time.Duration) int {
	t := int(math.Ceil(d.Seconds()))
	if t < 1 {
		return 1
	}
	return t
}
