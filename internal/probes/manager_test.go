package probes

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/mrzor/flextrace/internal/bpf"
	"github.com/mrzor/flextrace/internal/producer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	closed int
	err    error
}

func (l *fakeLink) Close() error {
	l.closed++
	return l.err
}

type attachCall struct {
	program, function, target string
	pid                       int
	cookie                    uint64
}

type fakeAttacher struct {
	noProgram bool
	fail      error
	calls     []attachCall
	links     []*fakeLink
}

func (a *fakeAttacher) HasProgram(name string) bool {
	return !a.noProgram && name == bpf.ProgramProbeHandler
}

func (a *fakeAttacher) AttachUprobe(program, function, target string, pid int, cookie uint64) (io.Closer, error) {
	a.calls = append(a.calls, attachCall{program, function, target, pid, cookie})
	if a.fail != nil {
		return nil, a.fail
	}
	l := &fakeLink{}
	a.links = append(a.links, l)
	return l, nil
}

func newTestManager(t *testing.T, capacity int) (*Manager, *fakeAttacher, *producer.Table[uint64, bpf.ProbeConfig]) {
	t.Helper()
	a := &fakeAttacher{}
	store := producer.NewTable[uint64, bpf.ProbeConfig](capacity)
	return NewManager(a, store), a, store
}

func TestAttach_CookiesIncrease(t *testing.T) {
	m, a, store := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()

	first, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)
	second, err := m.Attach(ctx, "malloc", "/lib/libc.so.6", 42)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)

	require.Len(t, a.calls, 2)
	assert.Equal(t, attachCall{bpf.ProgramProbeHandler, "malloc", "/lib/libc.so.6", 42, 2}, a.calls[1])

	cfg, ok := store.Lookup(first)
	require.True(t, ok, "attach must create the probe config")
	assert.Equal(t, bpf.ProbeConfig{}, cfg)

	got := m.List()
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].Cookie)
	assert.Equal(t, "readline", got[0].Function)
	assert.Equal(t, 42, got[1].PID)
}

func TestAttach_NoProgram(t *testing.T) {
	m, a, _ := newTestManager(t, bpf.ProbeConfigMaxEntries)
	a.noProgram = true

	_, err := m.Attach(context.Background(), "readline", "/bin/bash", 0)
	assert.ErrorIs(t, err, ErrNoSuchProgram)
	assert.Empty(t, a.calls)
	assert.Empty(t, m.List())
}

func TestAttach_FailureBurnsCookie(t *testing.T) {
	m, a, store := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()
	a.fail = errors.New("no such symbol")

	_, err := m.Attach(ctx, "nope", "/bin/bash", 0)
	assert.ErrorIs(t, err, ErrAttachFailed)
	assert.Equal(t, 0, store.Len())

	a.fail = nil
	cookie, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cookie, "failed attempts still consume a cookie")
}

func TestAttach_ConfigFullClosesLink(t *testing.T) {
	m, a, _ := newTestManager(t, 1)
	ctx := context.Background()

	_, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)

	_, err = m.Attach(ctx, "malloc", "/bin/bash", 0)
	assert.ErrorIs(t, err, ErrConfigUpdateFailed)
	assert.ErrorIs(t, err, producer.ErrTableFull)

	require.Len(t, a.links, 2)
	assert.Equal(t, 1, a.links[1].closed, "link must be released when its config cannot be stored")
	assert.Len(t, m.List(), 1)
}

func TestAttach_CookieExhausted(t *testing.T) {
	m, _, _ := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()
	m.next = math.MaxUint64

	cookie, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), cookie)

	_, err = m.Attach(ctx, "readline", "/bin/bash", 0)
	assert.ErrorIs(t, err, ErrCookieExhausted)
}

func TestDetach(t *testing.T) {
	m, a, store := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()

	cookie, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)

	require.NoError(t, m.Detach(ctx, cookie))
	assert.Equal(t, 1, a.links[0].closed)
	assert.Equal(t, 0, store.Len())
	_, ok := m.Get(cookie)
	assert.False(t, ok)

	// unknown and already detached cookies are ignored
	assert.NoError(t, m.Detach(ctx, cookie))
	assert.NoError(t, m.Detach(ctx, 999))
	assert.Equal(t, 1, a.links[0].closed)

	// detaching never frees the cookie for reuse
	next, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestDetach_LinkCloseError(t *testing.T) {
	m, a, store := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()

	cookie, err := m.Attach(ctx, "readline", "/bin/bash", 0)
	require.NoError(t, err)
	a.links[0].err = errors.New("busy")

	assert.Error(t, m.Detach(ctx, cookie))
	assert.Empty(t, m.List(), "probe is forgotten even if the link fails to close")
	assert.Equal(t, 0, store.Len())
}

func TestUpdateConfig(t *testing.T) {
	m, _, store := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()

	cookie, err := m.Attach(ctx, "write", "/lib/libc.so.6", 0)
	require.NoError(t, err)

	cfg := bpf.ProbeConfig{NumArgs: 3}
	cfg.PtrDepths[1] = 2
	require.NoError(t, m.UpdateConfig(ctx, cookie, cfg))

	stored, ok := store.Lookup(cookie)
	require.True(t, ok)
	assert.Equal(t, cfg, stored)

	p, ok := m.Get(cookie)
	require.True(t, ok)
	assert.Equal(t, cfg, p.Config)
}

func TestUpdateConfig_UnknownCookie(t *testing.T) {
	m, _, store := newTestManager(t, bpf.ProbeConfigMaxEntries)

	err := m.UpdateConfig(context.Background(), 7, bpf.ProbeConfig{NumArgs: 1})
	assert.ErrorIs(t, err, ErrUnknownCookie)
	assert.Equal(t, 0, store.Len())
}

type failingStore struct {
	*producer.Table[uint64, bpf.ProbeConfig]
	failPuts bool
}

func (s *failingStore) Put(key, value any) error {
	if s.failPuts {
		return errors.New("map update failed")
	}
	return s.Table.Put(key, value)
}

func TestUpdateConfig_WriteFailureKeepsMirror(t *testing.T) {
	store := &failingStore{Table: producer.NewTable[uint64, bpf.ProbeConfig](bpf.ProbeConfigMaxEntries)}
	m := NewManager(&fakeAttacher{}, store)
	ctx := context.Background()

	cookie, err := m.Attach(ctx, "write", "/lib/libc.so.6", 0)
	require.NoError(t, err)

	store.failPuts = true
	err = m.UpdateConfig(ctx, cookie, bpf.ProbeConfig{NumArgs: 2})
	assert.ErrorIs(t, err, ErrConfigUpdateFailed)

	p, ok := m.Get(cookie)
	require.True(t, ok)
	assert.Equal(t, uint32(0), p.Config.NumArgs)
}

func TestClose(t *testing.T) {
	m, a, store := newTestManager(t, bpf.ProbeConfigMaxEntries)
	ctx := context.Background()

	for _, fn := range []string{"a", "b", "c"} {
		_, err := m.Attach(ctx, fn, "/bin/true", 0)
		require.NoError(t, err)
	}

	require.NoError(t, m.Close())
	assert.Empty(t, m.List())
	assert.Equal(t, 0, store.Len())
	for _, l := range a.links {
		assert.Equal(t, 1, l.closed)
	}
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget("/usr/lib/libc.so.6:malloc")
	require.NoError(t, err)
	assert.Equal(t, Target{Path: "/usr/lib/libc.so.6", Function: "malloc"}, got)
	assert.Equal(t, "/usr/lib/libc.so.6:malloc", got.String())

	got, err = ParseTarget("/opt/a:b/bin:main")
	require.NoError(t, err)
	assert.Equal(t, "/opt/a:b/bin", got.Path)

	for _, bad := range []string{"", "malloc", ":malloc", "/bin/bash:"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}
