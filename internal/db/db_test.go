package db

import (
	"errors"
	"testing"

	"chatcore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := OpenSQLite(t.Name())
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

func TestNewPatch(t *testing.T) {
	allowed := []string{"display_name", "bio", "avatar_url"}

	tests := []struct {
		name     string
		fields   map[string]any
		wantCols []string
		wantErr  error
	}{
		{"sorted columns", map[string]any{"display_name": "A", "bio": "b"}, []string{"bio", "display_name"}, nil},
		{"single column", map[string]any{"avatar_url": "x"}, []string{"avatar_url"}, nil},
		{"empty patch", map[string]any{}, nil, ErrEmptyPatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPatch(tt.fields, allowed...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCols, p.Columns())
			for _, c := range tt.wantCols {
				v, ok := p.Value(c)
				assert.True(t, ok)
				assert.Equal(t, tt.fields[c], v)
			}
			_, ok := p.Value("password_hash")
			assert.False(t, ok)
		})
	}
}

func TestNewPatch_RejectsUnknownField(t *testing.T) {
	_, err := NewPatch(map[string]any{"bio": "x", "password_hash": "oops"}, "bio")

	var uf *UnknownFieldError
	require.True(t, errors.As(err, &uf))
	assert.Equal(t, "password_hash", uf.Field)
}

func TestPatch_ApplyOnlyTouchesListedColumns(t *testing.T) {
	gdb := openTestDB(t)
	u := models.User{Handle: "alice", Email: "alice@example.com", DisplayName: "Alice", Bio: "old", PasswordHash: "h"}
	require.NoError(t, gdb.Create(&u).Error)

	p, err := NewPatch(map[string]any{"bio": "new"}, "bio", "display_name")
	require.NoError(t, err)
	n, err := p.Apply(gdb, &models.User{}, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var got models.User
	require.NoError(t, gdb.First(&got, u.ID).Error)
	assert.Equal(t, "new", got.Bio)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, "h", got.PasswordHash)
}

func TestTranslateError_DuplicateKey(t *testing.T) {
	gdb := openTestDB(t)
	require.NoError(t, gdb.Create(&models.User{Handle: "bob", Email: "bob@example.com"}).Error)

	err := gdb.Create(&models.User{Handle: "bob", Email: "other@example.com"}).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestLockingHelpersAreNoopOnSQLite(t *testing.T) {
	gdb := openTestDB(t)
	require.NoError(t, gdb.Create(&models.User{Handle: "carol", Email: "carol@example.com"}).Error)

	var u models.User
	require.NoError(t, ForShare(gdb).Where("handle = ?", "carol").First(&u).Error)
	require.NoError(t, ForUpdate(gdb).Where("handle = ?", "carol").First(&u).Error)
	assert.Equal(t, "carol", u.Handle)
}
