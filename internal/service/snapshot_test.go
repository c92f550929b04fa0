package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	memstore "github.com/chriscod3/code-collab/internal/infra/persistence/memory"
	"github.com/chriscod3/code-collab/internal/service"
)

func newSnapshotFixture(t *testing.T) (*memstore.Store, *service.DocumentService, *service.SnapshotService) {
	t.Helper()
	store := memstore.New()
	docs := service.NewDocumentService(store, newPublisher())
	snapshots, err := service.NewSnapshotService(store, store)
	require.NoError(t, err)
	return store, docs, snapshots
}

func TestSnapshotService_CaptureAndLoadRoundTrip(t *testing.T) {
	// Arrange
	_, docs, snapshots := newSnapshotFixture(t)
	ctx := context.Background()
	content := "function add(a, b) {\n  return a + b;\n}\n"
	_, _, err := docs.InitializeDocument(ctx, 1, content, domain.LanguageJavaScript)
	require.NoError(t, err)

	// Act
	snap, created, err := snapshots.CaptureSnapshot(ctx, 1)
	require.NoError(t, err)
	loaded, decoded, err := snapshots.LoadSnapshot(ctx, 1, snap.ID)

	// Assert
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, len(content), snap.Size)
	assert.Equal(t, service.DocumentDigest(content, domain.LanguageJavaScript), snap.Digest)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, content, decoded)
}

func TestSnapshotService_SkipsUnchangedDocument(t *testing.T) {
	// Arrange
	_, docs, snapshots := newSnapshotFixture(t)
	ctx := context.Background()
	doc, _, err := docs.InitializeDocument(ctx, 1, "v1", domain.LanguagePython)
	require.NoError(t, err)
	first, _, err := snapshots.CaptureSnapshot(ctx, 1)
	require.NoError(t, err)

	// Act
	again, createdAgain, err := snapshots.CaptureSnapshot(ctx, 1)
	require.NoError(t, err)
	lang := domain.LanguageJava
	_, err = docs.UpdateDocument(ctx, domain.DocumentPatch{DocumentID: doc.ID, Language: &lang})
	require.NoError(t, err)
	changed, createdChanged, err := snapshots.CaptureSnapshot(ctx, 1)
	require.NoError(t, err)

	// Assert
	assert.False(t, createdAgain)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, createdChanged, "只改语言也算变化")
	assert.NotEqual(t, first.ID, changed.ID)

	list, err := snapshots.ListSnapshots(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, changed.ID, list[0].ID, "最新的在前")
	assert.Empty(t, list[0].Content, "列表不带内容")
}

func TestSnapshotService_NotFound(t *testing.T) {
	// Arrange
	_, _, snapshots := newSnapshotFixture(t)
	ctx := context.Background()

	// Act
	_, _, captureErr := snapshots.CaptureSnapshot(ctx, 42)
	_, _, loadErr := snapshots.LoadSnapshot(ctx, 42, 1)

	// Assert
	assert.ErrorIs(t, captureErr, domain.ErrNotFound)
	assert.ErrorIs(t, loadErr, domain.ErrNotFound)
}

func TestDocumentDigest_SeparatesLanguageAndContent(t *testing.T) {
	assert.NotEqual(t,
		service.DocumentDigest("x", domain.LanguageCSS),
		service.DocumentDigest("x", domain.LanguageHTML))
	assert.Equal(t,
		service.DocumentDigest("same", domain.LanguageJSON),
		service.DocumentDigest("same", domain.LanguageJSON))
	assert.Len(t, service.DocumentDigest("", domain.LanguageJSON), 64)
}
