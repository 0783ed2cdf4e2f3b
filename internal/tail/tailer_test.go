package tail

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/logtail/internal/discovery"
	"github.com/SteelMorgan/logtail/internal/domain"
	"github.com/SteelMorgan/logtail/internal/offset"
	"github.com/SteelMorgan/logtail/internal/transport"
)

// event is one call seen by fakeSender
type event struct {
	kind string // "data" or "rotate"
	path string
	data string
}

// fakeSender consumes the whole pending range unless failing is set
type fakeSender struct {
	events    []event
	failing   bool
	failBytes int64 // Bytes reported by a failed cycle
	capped    bool
}

func (s *fakeSender) Send(_ context.Context, req transport.Request) transport.Outcome {
	if s.failing {
		return transport.Outcome{Kind: transport.Failed, Bytes: s.failBytes, Reason: io.ErrClosedPipe}
	}
	buf := make([]byte, req.Available())
	n, _ := req.File.ReadAt(buf, req.Offset)
	s.events = append(s.events, event{kind: "data", path: req.Path, data: string(buf[:n])})
	return transport.Outcome{Kind: transport.Sent, Bytes: int64(n), Capped: s.capped}
}

func (s *fakeSender) Rotate(_ context.Context, req transport.Request) transport.Outcome {
	s.events = append(s.events, event{kind: "rotate", path: req.Path})
	return transport.Outcome{Kind: transport.NoData}
}

func (s *fakeSender) data() []string {
	var out []string
	for _, e := range s.events {
		if e.kind == "data" {
			out = append(out, e.data)
		}
	}
	return out
}

// memStore keeps the last saved snapshot
type memStore struct {
	mu    sync.Mutex
	saves int
	last  []offset.Record
}

func (s *memStore) Load(context.Context) (map[string]int64, error) { return map[string]int64{}, nil }
func (s *memStore) Close() error                                   { return nil }

func (s *memStore) Save(_ context.Context, records []offset.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = append([]offset.Record(nil), records...)
	return nil
}

func (s *memStore) offsetOf(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.last {
		if r.Path == path {
			return r.Offset, true
		}
	}
	return 0, false
}

// staticDiscoverer reports a fixed list of files
type staticDiscoverer struct {
	matches []discovery.Match
}

func (d *staticDiscoverer) Discover(known func(string) bool) []discovery.Match {
	var out []discovery.Match
	for _, m := range d.matches {
		if !known(m.Path) {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	dir    string
	path   string
	sender *fakeSender
	store  *memStore
	clock  *clock.Mock
	tailer *Tailer
}

func newFixture(t *testing.T, settings domain.Settings, cfg Config, saved map[string]int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	mock := clock.NewMock()
	mock.Set(time.Now())

	f := &fixture{
		dir:    dir,
		path:   path,
		sender: &fakeSender{},
		store:  &memStore{},
		clock:  mock,
	}
	if settings.Protocol == 0 {
		settings.Protocol = domain.ProtocolLines
	}
	d := &staticDiscoverer{matches: []discovery.Match{{Path: path, Group: "app", Settings: settings}}}
	f.tailer = NewTailer(cfg, d, f.sender, f.store, saved, WithClock(mock))
	t.Cleanup(f.tailer.registry.CloseAll)
	return f
}

func (f *fixture) write(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.path, []byte(content), 0o644))
}

func (f *fixture) appendTo(t *testing.T, content string) {
	t.Helper()
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
}

func (f *fixture) entry() *Entry {
	return f.tailer.registry.Get(f.path)
}

func (f *fixture) poll(n int) {
	for i := 0; i < n; i++ {
		f.tailer.Poll(context.Background())
	}
}

func TestPoll_FromBeginSendsWholeFile(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\nb\nc\n")

	f.poll(1)
	require.True(t, f.entry().IsOpen())
	assert.Empty(t, f.sender.events)

	f.poll(1)
	assert.Equal(t, []string{"a\nb\nc\n"}, f.sender.data())
	off, ok := f.store.offsetOf(f.path)
	require.True(t, ok)
	assert.Equal(t, int64(6), off)

	// Nothing new: no send, no save
	saves := f.store.saves
	f.poll(1)
	assert.Len(t, f.sender.events, 1)
	assert.Equal(t, saves, f.store.saves)

	f.appendTo(t, "d\n")
	f.poll(1)
	assert.Equal(t, []string{"a\nb\nc\n", "d\n"}, f.sender.data())
	assert.Equal(t, int64(8), f.entry().Pos())
}

func TestPoll_ResumesFromSavedOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))

	sender := &fakeSender{}
	d := &staticDiscoverer{matches: []discovery.Match{{Path: path, Group: "app", Settings: domain.Settings{Protocol: 1}}}}
	tailer := NewTailer(Config{}, d, sender, &memStore{}, map[string]int64{path: 4})
	defer tailer.registry.CloseAll()

	tailer.Poll(context.Background())
	tailer.Poll(context.Background())

	assert.Equal(t, []string{"c\n"}, sender.data())
}

func TestPoll_StartPolicy(t *testing.T) {
	tests := []struct {
		name     string
		settings domain.Settings
		saved    map[string]int64
		wantPos  int64
	}{
		{name: "large file starts at end", settings: domain.Settings{FromBeginMaxSize: 3}, wantPos: 6},
		{name: "small file starts at zero", settings: domain.Settings{FromBeginMaxSize: 100}, wantPos: 0},
		{name: "from_begin wins over size", settings: domain.Settings{FromBegin: true, FromBeginMaxSize: 3}, wantPos: 0},
		{name: "saved offset beyond size is ignored", settings: domain.Settings{FromBeginMaxSize: 3}, saved: map[string]int64{}, wantPos: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.settings, Config{}, tt.saved)
			if tt.saved != nil {
				tt.saved[f.path] = 100
			}
			f.write(t, "a\nb\nc\n")

			f.poll(1)
			require.True(t, f.entry().IsOpen())
			assert.Equal(t, tt.wantPos, f.entry().Pos())
		})
	}
}

func TestPoll_RotationDrainsOldFileFirst(t *testing.T) {
	f := newFixture(t, domain.Settings{SyncRotate: true}, Config{}, nil)
	f.write(t, "a\nb\nc\n")
	f.tailer.registry.saved[f.path] = 4

	f.poll(1) // open at saved offset 4
	require.Equal(t, int64(4), f.entry().Pos())

	// Rename away and create a replacement with new content
	require.NoError(t, os.Rename(f.path, f.path+".1"))
	f.write(t, "d\n")

	f.poll(1) // drains "c\n" from the old handle, notices the new inode
	assert.Equal(t, []string{"c\n"}, f.sender.data())
	assert.True(t, f.entry().Rotated())
	off, _ := f.store.offsetOf(f.path)
	assert.Equal(t, int64(6), off)

	f.poll(1) // nothing left in the old handle: close
	assert.False(t, f.entry().IsOpen())
	assert.Equal(t, int64(0), f.entry().Pos())

	f.poll(1) // reopen the replacement from offset 0
	require.True(t, f.entry().IsOpen())
	assert.Equal(t, int64(0), f.entry().Pos())

	f.poll(1) // announce the rotation, no data
	require.Len(t, f.sender.events, 2)
	assert.Equal(t, "rotate", f.sender.events[1].kind)
	assert.False(t, f.entry().Rotated())

	f.poll(1)
	assert.Equal(t, []string{"c\n", "d\n"}, f.sender.data())
	off, _ = f.store.offsetOf(f.path)
	assert.Equal(t, int64(2), off)
}

func TestPoll_RotationWithoutSyncSendsNoNotification(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\n")
	f.poll(2)

	require.NoError(t, os.Rename(f.path, f.path+".1"))
	f.write(t, "b\n")

	f.poll(5)
	for _, e := range f.sender.events {
		assert.Equal(t, "data", e.kind)
	}
	assert.Equal(t, []string{"a\n", "b\n"}, f.sender.data())
}

func TestPoll_RemovedFileWaitsForReplacement(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\n")
	f.poll(2)

	require.NoError(t, os.Remove(f.path))
	f.poll(1)
	assert.True(t, f.entry().Rotated())

	// Path is gone, size counts as 0: keep the handle open
	f.poll(3)
	assert.True(t, f.entry().IsOpen())

	f.write(t, "b\n")
	f.poll(1) // closes the drained handle
	assert.False(t, f.entry().IsOpen())
	f.poll(3)
	assert.Equal(t, []string{"a\n", "b\n"}, f.sender.data())
}

func TestPoll_Truncation(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\nb\nc\n")
	f.poll(2)
	require.Equal(t, int64(6), f.entry().Pos())

	// Same inode, smaller size
	require.NoError(t, os.Truncate(f.path, 0))
	f.appendTo(t, "x\n")

	f.poll(1)
	assert.Equal(t, int64(0), f.entry().Pos())
	assert.False(t, f.entry().Rotated())

	f.poll(1)
	assert.Equal(t, []string{"a\nb\nc\n", "x\n"}, f.sender.data())
}

func TestPoll_RotatedTimeoutMinDelaysClose(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{RotatedTimeoutMin: time.Minute}, nil)
	f.write(t, "a\n")
	f.poll(2)

	require.NoError(t, os.Rename(f.path, f.path+".1"))
	f.write(t, "b\n")
	f.poll(2)
	assert.True(t, f.entry().IsOpen(), "closed before rotated_timeout_min")

	f.clock.Add(2 * time.Minute)
	f.poll(1)
	assert.False(t, f.entry().IsOpen())
}

func TestPoll_RotatedTimeoutMaxAbandonsData(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{RotatedTimeoutMax: time.Hour}, nil)
	f.write(t, "a\n")
	f.poll(2)

	f.appendTo(t, "lost\n")
	f.sender.failing = true
	require.NoError(t, os.Remove(f.path))

	f.poll(3)
	assert.True(t, f.entry().IsOpen(), "unread data keeps the handle")

	f.clock.Add(2 * time.Hour)
	f.poll(1)
	assert.False(t, f.entry().IsOpen())
	assert.False(t, f.entry().Rotated())
}

func TestPoll_MaxMtimeAge(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true, MaxMtimeAge: time.Hour}, Config{}, nil)
	f.write(t, "a\n")

	old := f.clock.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(f.path, old, old))

	f.poll(2)
	assert.False(t, f.entry().IsOpen(), "old file must not be opened")

	now := f.clock.Now()
	require.NoError(t, os.Chtimes(f.path, now, now))
	f.poll(2)
	require.True(t, f.entry().IsOpen())
	assert.Equal(t, []string{"a\n"}, f.sender.data())

	f.clock.Add(2 * time.Hour)
	f.poll(1)
	assert.False(t, f.entry().IsOpen(), "idle file must be evicted")
}

func TestPoll_CappedCycleSuppressesSleepAndStat(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\n")
	f.poll(1)

	f.sender.capped = true
	require.NoError(t, os.Remove(f.path))

	assert.False(t, f.tailer.Poll(context.Background()))
	assert.False(t, f.entry().Rotated(), "stat step skipped after a capped cycle")

	f.sender.capped = false
	assert.True(t, f.tailer.Poll(context.Background()))
	assert.True(t, f.entry().Rotated())
}

func TestPoll_FailedTransferKeepsOffset(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\n")
	f.poll(1)

	f.sender.failing = true
	f.poll(3)
	assert.Equal(t, int64(0), f.entry().Pos())
	assert.Equal(t, 0, f.store.saves)

	f.sender.failing = false
	f.poll(1)
	assert.Equal(t, []string{"a\n"}, f.sender.data())
}

func TestPoll_SendErrorKeepsOffset(t *testing.T) {
	tests := []struct {
		name      string
		protocol  int
		failBytes int64
	}{
		{name: "lines", protocol: domain.ProtocolLines},
		{name: "bytes", protocol: domain.ProtocolBytes, failBytes: transport.SendErrorBytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.Settings{FromBegin: true, Protocol: tt.protocol}, Config{}, nil)
			f.write(t, "a\nb\n")
			f.poll(2)
			require.Equal(t, int64(4), f.entry().Pos())
			saves := f.store.saves

			f.appendTo(t, "c\n")
			f.sender.failing = true
			f.sender.failBytes = tt.failBytes
			f.poll(2)

			assert.Equal(t, int64(4), f.entry().Pos())
			assert.Equal(t, saves, f.store.saves)
			off, _ := f.store.offsetOf(f.path)
			assert.Equal(t, int64(4), off)
		})
	}
}

func TestRun_FlushesOnCancel(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{Interval: time.Second}, nil)
	f.write(t, "a\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tailer.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return f.store.saves > 0
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	off, ok := f.store.offsetOf(f.path)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, domain.Settings{FromBegin: true}, Config{}, nil)
	f.write(t, "a\nb\n")
	f.poll(1)

	snap := f.tailer.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, f.path, snap[0].Path)
	assert.Equal(t, "app", snap[0].Group)
	assert.True(t, snap[0].Open)
	assert.Equal(t, int64(4), snap[0].Pending())
}

func TestRegistry_RecordsSortedWithSizes(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(discovery.Match{Path: "/z"})
	r.Add(discovery.Match{Path: "/a"})
	r.Add(discovery.Match{Path: "/m"})

	r.Get("/z").hasPos = true
	r.Get("/z").pos = 7
	r.Get("/a").hasPos = true
	r.Get("/a").pos = 3

	assert.Equal(t, []string{"/a", "/m", "/z"}, r.Paths())
	assert.Equal(t, []offset.Record{
		{Path: "/a", Offset: 3, Size: 3},
		{Path: "/z", Offset: 7, Size: 7},
	}, r.Records())
}
