package fixgen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/signature"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

func testSignature(category signature.Category, message string) signature.ErrorSignature {
	return signature.ErrorSignature{
		ID:       "sig-1",
		Service:  "billing",
		Message:  message,
		Category: category,
		Severity: signature.SeverityHigh,
		Frames: []event.StackFrame{
			{Function: "billing.Charge", File: "charge.go", Line: 42},
		},
		Count:      8,
		Confidence: 0.8,
	}
}

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())
}

func TestLoadCatalog(t *testing.T) {
	t.Run("rejects empty catalog", func(t *testing.T) {
		_, err := LoadCatalog([]byte("templates: []"))
		assert.Error(t, err)
	})

	t.Run("rejects template without name", func(t *testing.T) {
		_, err := LoadCatalog([]byte("templates:\n  - category: null_access\n    patch: x\n"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("rejects invalid match pattern", func(t *testing.T) {
		_, err := LoadCatalog([]byte("templates:\n  - name: bad\n    match: '('\n    patch: x\n"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid match pattern")
	})
}

func TestCatalog_Match(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	t.Run("category and pattern must both match", func(t *testing.T) {
		tmpl, ok := c.Match(testSignature(signature.CategoryNullAccess, "nil pointer dereference in handler"))
		require.True(t, ok)
		assert.Equal(t, "guard-nil-access", tmpl.Name)

		// Same message under a different category does not match.
		_, ok = c.Match(testSignature(signature.CategoryDatabase, "nil pointer dereference in handler"))
		assert.False(t, ok)
	})

	t.Run("no match for unknown category", func(t *testing.T) {
		_, ok := c.Match(testSignature(signature.CategoryUnknown, "something odd"))
		assert.False(t, ok)
	})
}

func TestGenerator_TryGenerate(t *testing.T) {
	ctx := context.Background()

	newGen := func(t *testing.T) *Generator {
		t.Helper()
		catalog, err := DefaultCatalog()
		require.NoError(t, err)
		g, err := NewGenerator(catalog, store.NewKeyed[GenerationFailure](), zap.NewNop())
		require.NoError(t, err)
		return g
	}

	t.Run("renders patch and test from the signature", func(t *testing.T) {
		g := newGen(t)

		patch, failure, err := g.TryGenerate(ctx, testSignature(signature.CategoryNullAccess, "nil pointer dereference in charge"))
		require.NoError(t, err)
		require.Nil(t, failure)
		require.NotNil(t, patch)

		assert.Equal(t, "guard-nil-access", patch.TemplateName)
		assert.Equal(t, signature.CategoryNullAccess, patch.Category)
		assert.Contains(t, patch.Diff, "charge.go")
		assert.Contains(t, patch.Diff, "billing.Charge")
		assert.Contains(t, patch.Test, "nil pointer dereference in charge")
	})

	t.Run("records failure when nothing matches", func(t *testing.T) {
		g := newGen(t)
		at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
		g.now = func() time.Time { return at }

		patch, failure, err := g.TryGenerate(ctx, testSignature(signature.CategoryUnknown, "mystery"))
		require.NoError(t, err)
		assert.Nil(t, patch)
		require.NotNil(t, failure)
		assert.Equal(t, "sig-1", failure.SignatureID)
		assert.Equal(t, "no matching template", failure.Reason)
		assert.Equal(t, at, failure.At)

		failures, err := g.Failures(ctx)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, failure.ID, failures[0].ID)
	})

	t.Run("failures accumulate across attempts", func(t *testing.T) {
		g := newGen(t)

		for i := 0; i < 3; i++ {
			_, failure, err := g.TryGenerate(ctx, testSignature(signature.CategoryUnknown, "mystery"))
			require.NoError(t, err)
			require.NotNil(t, failure)
		}

		failures, err := g.Failures(ctx)
		require.NoError(t, err)
		assert.Len(t, failures, 3)
	})
}

func TestNewGenerator(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)

	_, err = NewGenerator(nil, store.NewKeyed[GenerationFailure](), zap.NewNop())
	assert.Error(t, err)

	_, err = NewGenerator(catalog, nil, zap.NewNop())
	assert.Error(t, err)
}
