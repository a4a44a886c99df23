package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
)

type fileTarget struct {
	dumps   atomic.Int32
	content string
	dumpErr error
	loadErr error
}

func (f *fileTarget) Dump(keyPath, rankPath string) error {
	if f.dumpErr != nil {
		return f.dumpErr
	}
	n := f.dumps.Add(1)
	body := f.content
	if body == "" {
		body = "dump-" + string(rune('0'+n))
	}
	if err := os.WriteFile(keyPath, []byte(body), 0o600); err != nil {
		return err
	}
	return os.WriteFile(rankPath, []byte(body), 0o600)
}

func (f *fileTarget) Load(string, string) error { return f.loadErr }

func readBody(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestPaths_ComposeBaseAndExtension(t *testing.T) {
	dir := t.TempDir()
	m := New(&fileTarget{}, WithDir(dir))
	if _, _, err := m.Paths(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v want ErrNotConfigured", err)
	}

	m.ConfigureFilenames("keys", "frequencies", "csv")
	kp, rp, err := m.Paths()
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if kp != filepath.Join(dir, "keys.csv") || rp != filepath.Join(dir, "frequencies.csv") {
		t.Fatalf("paths=%s,%s", kp, rp)
	}
}

func TestStart_ValidatesConfiguration(t *testing.T) {
	m := New(&fileTarget{}, WithDir(t.TempDir()))
	if err := m.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v want ErrNotConfigured", err)
	}

	m = New(&fileTarget{}, WithDir(t.TempDir()), WithInterval(0))
	m.ConfigureFilenames("k", "f", "csv")
	if err := m.Start(); !errors.Is(err, ErrZeroInterval) {
		t.Fatalf("err=%v want ErrZeroInterval", err)
	}

	if got := New(nil).Interval(); got != time.Hour {
		t.Fatalf("default interval=%v want 1h", got)
	}
}

func TestRunBackupCycle_RotatesGenerations(t *testing.T) {
	dir := t.TempDir()
	target := &fileTarget{}
	m := New(target, WithDir(dir))
	m.ConfigureFilenames("keys", "frequencies", "csv")

	for range 3 {
		if err := m.RunBackupCycle(); err != nil {
			t.Fatalf("RunBackupCycle: %v", err)
		}
	}

	if got := readBody(t, filepath.Join(dir, "keys.csv")); got != "dump-3" {
		t.Fatalf("working file=%q want dump-3", got)
	}
	if got := readBody(t, filepath.Join(dir, "keys_1.csv")); got != "dump-2" {
		t.Fatalf("gen 1=%q want dump-2", got)
	}
	if got := readBody(t, filepath.Join(dir, "frequencies_2.csv")); got != "dump-1" {
		t.Fatalf("gen 2=%q want dump-1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "keys_3.csv")); !os.IsNotExist(err) {
		t.Fatalf("unexpected gen 3: %v", err)
	}
}

func TestRunBackupCycle_KeepsNineGenerations(t *testing.T) {
	dir := t.TempDir()
	m := New(&fileTarget{}, WithDir(dir))
	m.ConfigureFilenames("keys", "frequencies", "csv")

	for range MaxGenerations + 3 {
		if err := m.RunBackupCycle(); err != nil {
			t.Fatalf("RunBackupCycle: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	// working file plus nine generations, for each family
	if len(entries) != 2*(MaxGenerations+1) {
		t.Fatalf("files=%d want %d", len(entries), 2*(MaxGenerations+1))
	}
	if _, err := os.Stat(filepath.Join(dir, "keys_10.csv")); !os.IsNotExist(err) {
		t.Fatalf("tenth generation should not exist: %v", err)
	}
}

func TestRunBackupCycle_SkipsMissingGenerations(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "keys_4.csv"), []byte("old"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := New(&fileTarget{}, WithDir(dir))
	m.ConfigureFilenames("keys", "frequencies", "csv")

	if err := m.RunBackupCycle(); err != nil {
		t.Fatalf("RunBackupCycle: %v", err)
	}
	if got := readBody(t, filepath.Join(dir, "keys_5.csv")); got != "old" {
		t.Fatalf("gen 5=%q want old", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "keys_1.csv")); !os.IsNotExist(err) {
		t.Fatalf("nothing should rotate into gen 1 on the first cycle: %v", err)
	}
}

func TestRunBackupCycle_ReportsDumpFailure(t *testing.T) {
	boom := errors.New("disk full")
	m := New(&fileTarget{dumpErr: boom}, WithDir(t.TempDir()))
	m.ConfigureFilenames("k", "f", "csv")
	if err := m.RunBackupCycle(); !errors.Is(err, boom) {
		t.Fatalf("err=%v want wrapped dump error", err)
	}
}

func TestRestore(t *testing.T) {
	m := New(&fileTarget{}, WithDir(t.TempDir()))
	if err := m.Restore(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v want ErrNotConfigured", err)
	}
	m.ConfigureFilenames("k", "f", "csv")
	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	bad := errors.New("bad file")
	m = New(&fileTarget{loadErr: bad}, WithDir(t.TempDir()))
	m.ConfigureFilenames("k", "f", "csv")
	if err := m.Restore(); !errors.Is(err, bad) {
		t.Fatalf("err=%v want wrapped load error", err)
	}
}

func TestStartStop_TimerFires(t *testing.T) {
	target := &fileTarget{}
	m := New(target, WithDir(t.TempDir()), WithInterval(10*time.Millisecond))
	m.ConfigureFilenames("k", "f", "csv")

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrRunning) {
		t.Fatalf("err=%v want ErrRunning", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for target.dumps.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timer did not fire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	fired := target.dumps.Load()
	time.Sleep(50 * time.Millisecond)
	if got := target.dumps.Load(); got != fired {
		t.Fatalf("timer fired after Stop: %d -> %d", fired, got)
	}
}

func TestBackupRestore_RankingStore(t *testing.T) {
	dir := t.TempDir()
	store := ranking.New(2, 6)
	store.Observe("a", "a.example", 80)
	store.Observe("a", "a.example", 80)
	store.Observe("b", "b.example", 443)

	m := New(store, WithDir(dir))
	m.ConfigureFilenames("keys", "frequencies", "csv")
	if err := m.RunBackupCycle(); err != nil {
		t.Fatalf("RunBackupCycle: %v", err)
	}
	if got := readBody(t, filepath.Join(dir, "frequencies.csv")); got != "1,b\n2,a\n" {
		t.Fatalf("rank file=%q", got)
	}

	store.Reset()
	if err := m.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if store.TotalKeyCount() != 2 || !store.IsHot("a") {
		t.Fatalf("restore incomplete: %+v", store.Sizes())
	}
}
