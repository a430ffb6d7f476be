package store_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/overlay"
	"github.com/l2sm/overlayd/internal/store"
)

func openTemp(t *testing.T) (*store.Journal, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "overlayd.db")
	j, err := store.Open(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return j, path
}

func ports(ss ...string) []fabric.Port {
	out := make([]fabric.Port, 0, len(ss))
	for _, s := range ss {
		out = append(out, fabric.MustParsePort(s))
	}
	return out
}

func TestJournalEmpty(t *testing.T) {
	t.Parallel()

	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	decls, err := j.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, decls)
}

func TestJournalLoadsInCreationOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	// Keys sort as a < b < c; creation order is c, a, b.
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, j.Save(ctx, overlay.Declaration{ID: id, Ports: ports("of:1/1")}))
	}

	decls, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, decls, 3)

	ids := []string{decls[0].ID, decls[1].ID, decls[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Less(t, decls[0].Seq, decls[1].Seq)
	assert.Less(t, decls[1].Seq, decls[2].Seq)
}

func TestJournalResaveKeepsSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	require.NoError(t, j.Save(ctx, overlay.Declaration{ID: "a", Ports: ports("of:1/1")}))
	require.NoError(t, j.Save(ctx, overlay.Declaration{ID: "b", Ports: ports("of:2/1")}))
	require.NoError(t, j.Save(ctx, overlay.Declaration{ID: "a", Ports: ports("of:1/1", "of:3/1")}))

	decls, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, decls, 2)

	assert.Equal(t, "a", decls[0].ID)
	assert.Equal(t, ports("of:1/1", "of:3/1"), decls[0].Ports)
	assert.Equal(t, "b", decls[1].ID)
}

func TestJournalRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	require.NoError(t, j.Save(ctx, overlay.Declaration{ID: "a"}))
	require.NoError(t, j.Remove(ctx, "a"))
	require.NoError(t, j.Remove(ctx, "never-saved"))

	decls, err := j.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, decls)
}

func TestJournalSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, path := openTemp(t)

	link := &overlay.LinkDeclaration{
		From: fabric.MustParsePort("of:1/1"),
		To:   fabric.MustParsePort("of:3/1"),
		Path: []fabric.DeviceID{"of:1", "of:2", "of:3"},
	}
	require.NoError(t, j.Save(ctx, overlay.Declaration{ID: "vl", Link: link, Declared: true}))
	require.NoError(t, j.Close())

	reopened, err := store.Open(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	decls, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, decls, 1)

	got := decls[0]
	assert.Equal(t, "vl", got.ID)
	assert.True(t, got.Declared)
	require.NotNil(t, got.Link)
	assert.Equal(t, *link, *got.Link)
}

func TestJournalRejectsEmptyID(t *testing.T) {
	t.Parallel()

	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	err := j.Save(context.Background(), overlay.Declaration{})
	require.ErrorIs(t, err, store.ErrEmptyID)
}

func TestJournalCancelledContext(t *testing.T) {
	t.Parallel()

	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := j.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, j.Save(ctx, overlay.Declaration{ID: "a"}), context.Canceled)
}

// TestJournalWithManager replays a journal into a fresh manager. One
// worker keeps Get ordered behind the queued mutations.
func TestJournalWithManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, _ := openTemp(t)
	t.Cleanup(func() { _ = j.Close() })

	logger := slog.New(slog.DiscardHandler)
	topo := fabric.NewStaticTopology(nil)

	inst := fabric.NewMemoryInstaller(logger)
	mgr, err := overlay.NewManager(logger, topo, inst, overlay.WithWorkers(1), overlay.WithJournal(j))
	require.NoError(t, err)
	require.NoError(t, mgr.Open(ctx))

	require.NoError(t, mgr.Create(ctx, "n1"))
	require.NoError(t, mgr.AddPort(ctx, "n1", fabric.MustParsePort("of:1/1")))
	require.NoError(t, mgr.AddPort(ctx, "n1", fabric.MustParsePort("of:1/2")))

	snap, err := mgr.Get(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, snap.Ports, 2)
	require.NoError(t, mgr.Close())
	require.NoError(t, inst.Close())

	inst2 := fabric.NewMemoryInstaller(logger)
	t.Cleanup(func() { _ = inst2.Close() })
	mgr2, err := overlay.NewManager(logger, topo, inst2, overlay.WithWorkers(1), overlay.WithJournal(j))
	require.NoError(t, err)
	require.NoError(t, mgr2.Open(ctx))
	t.Cleanup(func() { _ = mgr2.Close() })

	snap, err = mgr2.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, ports("of:1/1", "of:1/2"), snap.Ports)
}
