// Package wavdir archives utterances as WAV files in a directory.
//
// Each utterance is written to <dir>/<id>.wav, or <dir>/<session>/<id>.wav
// when [WithSessionDirs] is set. Files are written to a temporary name and
// renamed, so readers never observe a partial file.
package wavdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

var (
	_ delivery.Target  = (*Target)(nil)
	_ delivery.Checker = (*Target)(nil)
)

// Option configures a [Target].
type Option func(*Target)

// WithName overrides the target name reported in logs and metrics.
func WithName(name string) Option {
	return func(t *Target) { t.name = name }
}

// WithSessionDirs groups files into one subdirectory per session.
func WithSessionDirs(on bool) Option {
	return func(t *Target) { t.sessionDirs = on }
}

// Target writes utterances as WAV files.
type Target struct {
	dir         string
	name        string
	sessionDirs bool
	seq         atomic.Uint64
}

// New creates dir if needed and returns a [Target] writing into it.
func New(dir string, opts ...Option) (*Target, error) {
	if dir == "" {
		return nil, errors.New("wavdir: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavdir: create %q: %w", dir, err)
	}
	t := &Target{dir: dir, name: "wavdir"}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Name returns the target name.
func (t *Target) Name() string { return t.name }

// Dir returns the output directory.
func (t *Target) Dir() string { return t.dir }

// Deliver writes u as a mono PCM16 WAV file.
func (t *Target) Deliver(ctx context.Context, u audio.Utterance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := t.Path(u)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("wavdir: create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".utt-*.tmp")
	if err != nil {
		return fmt.Errorf("wavdir: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(audio.EncodeWAV(u.PCM, u.SampleRate, 1)); err != nil {
		tmp.Close()
		return fmt.Errorf("wavdir: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wavdir: close %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("wavdir: rename to %q: %w", path, err)
	}
	return nil
}

// Path returns the file u is written to. Utterances without an ID get a
// per-target sequence number.
func (t *Target) Path(u audio.Utterance) string {
	id := u.ID
	if id == "" {
		id = "utt-" + strconv.FormatUint(t.seq.Add(1), 10)
	}
	name := sanitize(id) + ".wav"
	if t.sessionDirs && u.SessionID != "" {
		return filepath.Join(t.dir, sanitize(u.SessionID), name)
	}
	return filepath.Join(t.dir, name)
}

// Check verifies that the directory still exists and is writable.
func (t *Target) Check(context.Context) error {
	f, err := os.CreateTemp(t.dir, ".check-*")
	if err != nil {
		return fmt.Errorf("wavdir: %q not writable: %w", t.dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close is a no-op; files are closed after every write.
func (t *Target) Close() error { return nil }

// sanitize keeps IDs from escaping the output directory.
func sanitize(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 || string(out) == "." || string(out) == ".." {
		return "_"
	}
	return string(out)
}
