// Package snapshot periodically persists the ranking store to a pair of
// delimited files and keeps up to MaxGenerations rotated copies of each.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/observability"
)

const (
	DefaultInterval = time.Hour
	MaxGenerations  = 9
)

var (
	ErrNotConfigured = errors.New("snapshot: filenames not configured")
	ErrZeroInterval  = errors.New("snapshot: interval must be positive")
	ErrRunning       = errors.New("snapshot: already running")
	ErrNoTarget      = errors.New("snapshot: no target")
)

// Target is the state being snapshotted.
type Target interface {
	Dump(keyPath, rankPath string) error
	Load(keyPath, rankPath string) error
}

type Option func(*Manager)

func WithInterval(d time.Duration) Option { return func(m *Manager) { m.interval = d } }

// WithDir places the working files and their generations under dir.
func WithDir(dir string) Option { return func(m *Manager) { m.dir = dir } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

type Manager struct {
	target   Target
	interval time.Duration
	dir      string
	log      *slog.Logger

	// serializes backup cycles and restores
	ioMu sync.Mutex

	cfgMu    sync.RWMutex
	keyBase  string
	rankBase string
	ext      string

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func New(target Target, opts ...Option) *Manager {
	m := &Manager{
		target:   target,
		interval: DefaultInterval,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ConfigureFilenames sets the working files to {keyBase}.{ext} and
// {rankBase}.{ext}.
func (m *Manager) ConfigureFilenames(keyBase, rankBase, ext string) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.keyBase, m.rankBase, m.ext = keyBase, rankBase, ext
}

// Paths returns the working key and ranking file paths.
func (m *Manager) Paths() (keyPath, rankPath string, err error) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	if m.keyBase == "" || m.rankBase == "" || m.ext == "" {
		return "", "", ErrNotConfigured
	}
	return m.generation(m.keyBase, 0), m.generation(m.rankBase, 0), nil
}

// generation 0 is the working file; n > 0 is {base}_{n}.{ext}.
func (m *Manager) generation(base string, n int) string {
	name := base
	if n > 0 {
		name += "_" + strconv.Itoa(n)
	}
	return filepath.Join(m.dir, name+"."+m.ext)
}

func (m *Manager) Interval() time.Duration { return m.interval }

// RunBackupCycle rotates both file families and dumps the target to the
// working paths. A rotation failure aborts the cycle before anything is
// dumped.
func (m *Manager) RunBackupCycle() error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	start := time.Now()
	err := m.backup()
	observability.ObserveSnapshot("backup", err, time.Since(start))
	if err != nil {
		m.log.Error("snapshot backup failed", "err", err)
		return err
	}
	m.log.Info("snapshot backup written", "dur_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *Manager) backup() error {
	keyPath, rankPath, err := m.Paths()
	if err != nil {
		return err
	}
	if m.target == nil {
		return ErrNoTarget
	}

	m.cfgMu.RLock()
	keyBase, rankBase := m.keyBase, m.rankBase
	m.cfgMu.RUnlock()

	if err := m.rotate(keyBase); err != nil {
		return err
	}
	if err := m.rotate(rankBase); err != nil {
		return err
	}
	if err := m.target.Dump(keyPath, rankPath); err != nil {
		return fmt.Errorf("snapshot dump: %w", err)
	}
	return nil
}

// rotate shifts {base}_{n-1} to {base}_{n} for n = MaxGenerations..1,
// skipping generations that do not exist. The oldest generation is
// overwritten.
func (m *Manager) rotate(base string) error {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()

	for n := MaxGenerations; n > 0; n-- {
		src := m.generation(base, n-1)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("snapshot rotate stat %s: %w", src, err)
		}
		dst := m.generation(base, n)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("snapshot rotate %s: %w", src, err)
		}
	}
	return nil
}

// Restore loads the working files into the target.
func (m *Manager) Restore() error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	start := time.Now()
	err := m.restore()
	observability.ObserveSnapshot("restore", err, time.Since(start))
	if err != nil {
		m.log.Error("snapshot restore failed", "err", err)
		return err
	}
	m.log.Info("snapshot restored", "dur_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *Manager) restore() error {
	keyPath, rankPath, err := m.Paths()
	if err != nil {
		return err
	}
	if m.target == nil {
		return ErrNoTarget
	}
	if err := m.target.Load(keyPath, rankPath); err != nil {
		return fmt.Errorf("snapshot load: %w", err)
	}
	return nil
}

// Start validates the configuration and runs a backup cycle on every tick
// of the interval in a background goroutine.
func (m *Manager) Start() error {
	if _, _, err := m.Paths(); err != nil {
		return err
	}
	if m.interval <= 0 {
		return ErrZeroInterval
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stop != nil {
		return ErrRunning
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.interval, m.stop, m.done)

	m.log.Info("snapshot timer started", "interval", m.interval.String())
	return nil
}

// Stop cancels future ticks and waits for the timer goroutine to exit. An
// in-flight backup cycle runs to completion first.
func (m *Manager) Stop() {
	m.runMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.runMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = m.RunBackupCycle()
		case <-stop:
			return
		}
	}
}
