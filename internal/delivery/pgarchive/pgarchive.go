// Package pgarchive stores utterances and their transcripts in PostgreSQL.
//
// [New] opens a [pgxpool.Pool], pings it and runs [Migrate]. Every delivered
// utterance becomes a row in the utterances table (with the audio as a WAV
// blob unless [WithoutAudio] is set). Results published by other targets can
// be recorded too: [Target.Attach] subscribes to a [delivery.Results] hub and
// writes each result to utterance_results from a background goroutine.
//
// Usage:
//
//	arch, err := pgarchive.New(ctx, dsn)
//	defer arch.Close()
//	detach := arch.Attach(hub)
package pgarchive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// DB is the subset of [pgxpool.Pool] the archive uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// pinger is implemented by [pgxpool.Pool].
type pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ DB               = (*pgxpool.Pool)(nil)
	_ delivery.Target  = (*Target)(nil)
	_ delivery.Checker = (*Target)(nil)
)

const (
	insertUtterance = `
INSERT INTO utterances (id, session_id, sample_rate, samples, duration_ms, emitted_at, audio)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

	insertResult = `
INSERT INTO utterance_results (utterance_id, target, text, translation, created_at)
VALUES ($1, $2, $3, $4, $5)`

	defaultResultQueue = 64
)

// Option configures a [Target].
type Option func(*Target)

// WithName overrides the target name.
func WithName(name string) Option { return func(t *Target) { t.name = name } }

// WithoutAudio stores metadata only.
func WithoutAudio() Option { return func(t *Target) { t.storeAudio = false } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(t *Target) { t.log = l } }

// WithResultQueue sets how many results may wait to be written before new
// ones are dropped.
func WithResultQueue(n int) Option { return func(t *Target) { t.resultQueue = n } }

// Target is a PostgreSQL archive delivery target. All methods are safe for
// concurrent use.
type Target struct {
	db          DB
	close       func()
	name        string
	storeAudio  bool
	resultQueue int
	log         *slog.Logger

	mu       sync.Mutex
	attached *attachment
	wg       sync.WaitGroup
}

// New connects to dsn, verifies the connection and migrates the schema.
func New(ctx context.Context, dsn string, opts ...Option) (*Target, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgarchive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgarchive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgarchive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	t := NewWithDB(pool, opts...)
	t.close = pool.Close
	return t, nil
}

// NewWithDB wraps an existing connection. The caller owns db and must have
// run [Migrate].
func NewWithDB(db DB, opts ...Option) *Target {
	t := &Target{
		db:          db,
		close:       func() {},
		name:        "postgres",
		storeAudio:  true,
		resultQueue: defaultResultQueue,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name returns the target name.
func (t *Target) Name() string { return t.name }

// Deliver inserts u. Re-delivering the same ID is a no-op.
func (t *Target) Deliver(ctx context.Context, u audio.Utterance) error {
	var blob []byte
	if t.storeAudio {
		blob = audio.EncodeWAV(u.PCM, u.SampleRate, 1)
	}
	emitted := u.EmittedAt
	if emitted.IsZero() {
		emitted = time.Now()
	}
	_, err := t.db.Exec(ctx, insertUtterance,
		u.ID,
		u.SessionID,
		u.SampleRate,
		u.Samples(),
		u.Duration().Milliseconds(),
		emitted,
		blob,
	)
	if err != nil {
		return fmt.Errorf("pgarchive: insert utterance %q: %w", u.ID, err)
	}
	return nil
}

// RecordResult inserts one transcript or translation.
func (t *Target) RecordResult(ctx context.Context, r delivery.Result) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := t.db.Exec(ctx, insertResult, r.UtteranceID, r.Target, r.Text, r.Translation, at); err != nil {
		return fmt.Errorf("pgarchive: insert result for %q: %w", r.UtteranceID, err)
	}
	return nil
}

// Attach records every result published to hub until the returned detach
// func is called or the target is closed. Only one hub can be attached at a
// time.
func (t *Target) Attach(hub *delivery.Results) (detach func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attached != nil {
		t.log.Warn("pgarchive: already attached to a results hub", "target", t.name)
		return func() {}
	}
	ch := make(chan delivery.Result, t.resultQueue)
	unsubscribe := hub.Subscribe("", func(r delivery.Result) {
		select {
		case ch <- r:
		default:
			t.log.Warn("pgarchive: result queue full, dropping", "target", t.name, "utt_id", r.UtteranceID)
		}
	})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for r := range ch {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.RecordResult(ctx, r); err != nil {
				t.log.Error("pgarchive: record result", "target", t.name, "err", err)
			}
			cancel()
		}
	}()

	a := &attachment{unsubscribe: unsubscribe, ch: ch}
	t.attached = a
	return func() {
		a.stop()
		t.mu.Lock()
		if t.attached == a {
			t.attached = nil
		}
		t.mu.Unlock()
	}
}

type attachment struct {
	once        sync.Once
	unsubscribe func()
	ch          chan delivery.Result
}

func (a *attachment) stop() {
	a.once.Do(func() {
		// Publish holds the hub lock while calling subscribers, so once
		// unsubscribe returns nothing can send on ch.
		a.unsubscribe()
		close(a.ch)
	})
}

// Check pings the database when the connection supports it.
func (t *Target) Check(ctx context.Context) error {
	p, ok := t.db.(pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("pgarchive: ping: %w", err)
	}
	return nil
}

// Close detaches from the results hub, waits for queued results to be written
// and closes the pool opened by [New].
func (t *Target) Close() error {
	t.mu.Lock()
	a := t.attached
	t.attached = nil
	t.mu.Unlock()
	if a != nil {
		a.stop()
	}
	t.wg.Wait()
	t.close()
	return nil
}
