package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eachStore(t *testing.T, fn func(t *testing.T, repo Repository), opts ...Option) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(opts...))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "repo.db"), opts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestRepository_CreateAndLookup(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, err := repo.Root(ctx)
		require.NoError(t, err)

		var folder, file NodeRef
		err = repo.Update(ctx, func(tx Tx) error {
			var err error
			folder, err = tx.Create(&Node{Parent: root, Name: "docs", Type: "cm:folder"})
			if err != nil {
				return err
			}
			file, err = tx.Create(&Node{
				Parent:     folder,
				Name:       "a.txt",
				Type:       "cm:content",
				Aspects:    []string{"cm:titled"},
				Properties: map[string]any{"cm:title": "Hello", "cm:count": int64(3), "cm:ratio": 2.0, "cm:tags": []any{"x", "y"}},
				Content:    []byte("body"),
			})
			return err
		})
		require.NoError(t, err)

		err = repo.View(ctx, func(tx Tx) error {
			n, err := ResolvePath(tx, root, "/docs/a.txt")
			require.NoError(t, err)
			assert.Equal(t, file, n.Ref)
			assert.Equal(t, folder, n.Parent)
			assert.Equal(t, "body", string(n.Content))
			assert.Equal(t, "1.0", n.VersionLabel)
			assert.Equal(t, "Hello", n.Properties["cm:title"])
			assert.Equal(t, int64(3), n.Properties["cm:count"])
			assert.Equal(t, 2.0, n.Properties["cm:ratio"])
			assert.Equal(t, []any{"x", "y"}, n.Properties["cm:tags"])
			assert.True(t, n.HasAspect("cm:titled"))

			dir, err := tx.Node(folder)
			require.NoError(t, err)
			assert.Nil(t, dir.Content)

			children, err := tx.Children(root)
			require.NoError(t, err)
			require.Len(t, children, 1)
			assert.Equal(t, "docs", children[0].Name)

			_, err = ResolvePath(tx, root, "/docs/missing")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)

		count, err := Count(ctx, repo, root)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestRepository_CreateErrors(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, _ := repo.Root(ctx)

		err := repo.Update(ctx, func(tx Tx) error {
			_, err := tx.Create(&Node{Parent: root, Name: "dup", Type: "cm:folder"})
			return err
		})
		require.NoError(t, err)

		err = repo.Update(ctx, func(tx Tx) error {
			_, err := tx.Create(&Node{Parent: root, Name: "dup", Type: "cm:folder"})
			return err
		})
		assert.ErrorIs(t, err, ErrNameExists)

		err = repo.Update(ctx, func(tx Tx) error {
			_, err := tx.Create(&Node{Parent: NewRef(), Name: "orphan", Type: "cm:folder"})
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)

		err = repo.View(ctx, func(tx Tx) error {
			_, err := tx.Create(&Node{Parent: root, Name: "ro", Type: "cm:folder"})
			return err
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})
}

func TestRepository_RollbackOnError(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, _ := repo.Root(ctx)
		boom := errors.New("boom")

		err := repo.Update(ctx, func(tx Tx) error {
			if _, err := tx.Create(&Node{Parent: root, Name: "gone", Type: "cm:folder"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		count, err := Count(ctx, repo, root)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestRepository_Savepoint(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, _ := repo.Root(ctx)
		boom := errors.New("item failed")

		err := repo.Update(ctx, func(tx Tx) error {
			if err := tx.Savepoint(func() error {
				_, err := tx.Create(&Node{Parent: root, Name: "kept", Type: "cm:folder"})
				return err
			}); err != nil {
				return err
			}
			spErr := tx.Savepoint(func() error {
				if _, err := tx.Create(&Node{Parent: root, Name: "dropped", Type: "cm:folder"}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, spErr, boom)
			return nil
		})
		require.NoError(t, err)

		err = repo.View(ctx, func(tx Tx) error {
			_, err := tx.Child(root, "kept")
			assert.NoError(t, err)
			_, err = tx.Child(root, "dropped")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestRepository_UpdateAndVersions(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, _ := repo.Root(ctx)

		var ref NodeRef
		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			var err error
			ref, err = tx.Create(&Node{Parent: root, Name: "f.txt", Type: "cm:content", Content: []byte("v1"),
				Properties: map[string]any{"cm:title": "one"}})
			return err
		}))

		// In-place update keeps the label and records no history.
		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			n, err := tx.Node(ref)
			if err != nil {
				return err
			}
			n.Content = []byte("v1-fixed")
			return tx.Update(n)
		}))

		var label string
		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			n, err := tx.Node(ref)
			if err != nil {
				return err
			}
			n.Content = []byte("v2")
			n.Properties = map[string]any{"cm:title": "two"}
			label, err = tx.AddVersion(n)
			return err
		}))
		assert.Equal(t, "2.0", label)

		require.NoError(t, repo.View(ctx, func(tx Tx) error {
			n, err := tx.Node(ref)
			require.NoError(t, err)
			assert.Equal(t, "v2", string(n.Content))
			assert.Equal(t, "2.0", n.VersionLabel)
			assert.Equal(t, "two", n.Properties["cm:title"])

			versions, err := tx.Versions(ref)
			require.NoError(t, err)
			require.Len(t, versions, 1)
			assert.Equal(t, "1.0", versions[0].Label)
			assert.Equal(t, "v1-fixed", string(versions[0].Content))
			assert.Equal(t, "one", versions[0].Properties["cm:title"])
			return nil
		}))
	})
}

func TestRepository_Rules(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rule := AuditableRule("importer", func() time.Time { return fixed })

	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, _ := repo.Root(ctx)

		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			_, err := tx.Create(&Node{Parent: root, Name: "ruled", Type: "cm:folder"})
			return err
		}))
		require.NoError(t, repo.Update(WithRulesDisabled(ctx), func(tx Tx) error {
			_, err := tx.Create(&Node{Parent: root, Name: "plain", Type: "cm:folder"})
			return err
		}))

		require.NoError(t, repo.View(ctx, func(tx Tx) error {
			ruled, err := tx.Child(root, "ruled")
			require.NoError(t, err)
			assert.True(t, ruled.HasAspect("cm:auditable"))
			assert.Equal(t, fixed, ruled.Properties["cm:created"])
			assert.Equal(t, "importer", ruled.Properties["cm:creator"])

			plain, err := tx.Child(root, "plain")
			require.NoError(t, err)
			assert.False(t, plain.HasAspect("cm:auditable"))
			return nil
		}))
	}, WithRules(rule))
}

func TestRepository_WithAspect(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, err := repo.Root(ctx)
		require.NoError(t, err)

		withAspect := func(aspect string) []NodeRef {
			var refs []NodeRef
			require.NoError(t, repo.View(ctx, func(tx Tx) error {
				var err error
				refs, err = tx.WithAspect(aspect)
				return err
			}))
			return refs
		}

		var a, b NodeRef
		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			var err error
			if a, err = tx.Create(&Node{Parent: root, Name: "a", Type: "cm:content", Aspects: []string{"cm:titled"}, Content: []byte{}}); err != nil {
				return err
			}
			b, err = tx.Create(&Node{Parent: root, Name: "b", Type: "cm:content", Content: []byte{}})
			return err
		}))
		assert.ElementsMatch(t, []NodeRef{a}, withAspect("cm:titled"))

		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			n, err := tx.Node(b)
			if err != nil {
				return err
			}
			n.AddAspect("cm:titled")
			if err := tx.Update(n); err != nil {
				return err
			}
			// Uncommitted changes are visible inside the transaction.
			refs, err := tx.WithAspect("cm:titled")
			assert.ElementsMatch(t, []NodeRef{a, b}, refs)
			return err
		}))
		assert.ElementsMatch(t, []NodeRef{a, b}, withAspect("cm:titled"))

		// A rolled-back aspect change leaves the index untouched.
		_ = repo.Update(ctx, func(tx Tx) error {
			n, _ := tx.Node(a)
			n.Aspects = nil
			_ = tx.Update(n)
			return errors.New("abort")
		})
		assert.ElementsMatch(t, []NodeRef{a, b}, withAspect("cm:titled"))
		assert.Empty(t, withAspect("cm:author"))
		assert.Empty(t, withAspect("cm:tit"))
	})
}

func TestPathOf(t *testing.T) {
	eachStore(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		root, err := repo.Root(ctx)
		require.NoError(t, err)

		require.NoError(t, repo.Update(ctx, func(tx Tx) error {
			docs, err := tx.Create(&Node{Parent: root, Name: "docs", Type: "cm:folder"})
			require.NoError(t, err)
			file, err := tx.Create(&Node{Parent: docs, Name: "a.txt", Type: "cm:content", Content: []byte{}})
			require.NoError(t, err)

			p, err := PathOf(tx, root, file)
			require.NoError(t, err)
			assert.Equal(t, "/docs/a.txt", p)

			p, err = PathOf(tx, root, root)
			require.NoError(t, err)
			assert.Equal(t, "/", p)

			p, err = PathOf(tx, docs, file)
			require.NoError(t, err)
			assert.Equal(t, "/a.txt", p)

			_, err = PathOf(tx, file, docs)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
	})
}

func TestNextVersionLabel(t *testing.T) {
	assert.Equal(t, "1.0", nextVersionLabel(""))
	assert.Equal(t, "2.0", nextVersionLabel("1.0"))
	assert.Equal(t, "11.0", nextVersionLabel("10.3"))
	assert.Equal(t, "1.0", nextVersionLabel("garbage"))
}

func TestParseRef(t *testing.T) {
	ref := NewRef()
	got, err := ParseRef(string(ref))
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	_, err = ParseRef("not-a-ref")
	assert.Error(t, err)
}
