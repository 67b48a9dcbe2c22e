package load

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// syntheticSeconds is the length of the generated utterance used when no
// audio directory is supplied.
const syntheticSeconds = 2

// AudioPool hands out utterance audio to workers. Safe for concurrent use.
type AudioPool struct {
	selection Selection

	mu    sync.Mutex
	files [][]byte
	next  int
}

// NewAudioPool loads every raw PCM file from dir into memory. When dir is
// empty the pool serves a single synthetic utterance, so the harness can run
// against a mock backend without recordings.
func NewAudioPool(dir string, sampleRate int, selection Selection) (*AudioPool, error) {
	p := &AudioPool{selection: selection}
	if dir == "" {
		p.files = [][]byte{syntheticUtterance(sampleRate)}
		return p, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load: read audio dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".pcm", ".raw":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("load: no .pcm or .raw files in %q", dir)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("load: read %q: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}
		p.files = append(p.files, data)
	}
	if len(p.files) == 0 {
		return nil, fmt.Errorf("load: all audio files in %q are empty", dir)
	}
	return p, nil
}

// Len returns the number of loaded utterances.
func (p *AudioPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// Next returns the next utterance per the selection mode. The returned slice
// is shared; callers must not mutate it.
func (p *AudioPool) Next() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.selection {
	case SelectRandom:
		return p.files[rand.IntN(len(p.files))]
	case SelectSequential:
		// Sequential stops advancing at the last file.
		data := p.files[p.next]
		if p.next < len(p.files)-1 {
			p.next++
		}
		return data
	default: // round robin
		data := p.files[p.next]
		p.next = (p.next + 1) % len(p.files)
		return data
	}
}

// syntheticUtterance builds a silent 16-bit mono PCM buffer. Recognizers will
// return an empty transcript for it, which still exercises the full
// connection and frame path.
func syntheticUtterance(sampleRate int) []byte {
	return make([]byte, syntheticSeconds*sampleRate*2)
}

// chunkDuration returns the real-time playback length of a PCM chunk.
func chunkDuration(byteCount, sampleRate int) time.Duration {
	return time.Duration(byteCount) * time.Second / time.Duration(sampleRate*2)
}
