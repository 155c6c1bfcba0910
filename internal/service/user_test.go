package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserPatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, _ := e.register(t, "alice")
	e.register(t, "bob")

	got, err := e.users.Patch(ctx, alice, map[string]any{"display_name": "Alice A.", "bio": "hello", "phone": "+100"})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", got.DisplayName)
	assert.Equal(t, "hello", got.Bio)
	require.NotNil(t, got.Phone)
	assert.Equal(t, "+100", *got.Phone)
	assert.Equal(t, "alice", got.Handle)

	got, err = e.users.Patch(ctx, alice, map[string]any{"phone": nil})
	require.NoError(t, err)
	assert.Nil(t, got.Phone)
	assert.Equal(t, "hello", got.Bio, "fields not in the patch are untouched")

	tests := []struct {
		name   string
		fields map[string]any
		want   Kind
	}{
		{"unknown field", map[string]any{"password_hash": "x"}, KindInvalidArgument},
		{"id is not patchable", map[string]any{"id": 5}, KindInvalidArgument},
		{"empty patch", map[string]any{}, KindInvalidArgument},
		{"wrong type", map[string]any{"bio": 42}, KindInvalidArgument},
		{"empty display name", map[string]any{"display_name": ""}, KindInvalidArgument},
		{"taken handle", map[string]any{"handle": "bob"}, KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.users.Patch(ctx, alice, tt.fields)
			requireKind(t, err, tt.want)
		})
	}

	_, err = e.users.Patch(ctx, 999, map[string]any{"bio": "x"})
	requireKind(t, err, KindNotFound)
}

func TestUserProfileHidesPrivateFields(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, _ := e.register(t, "alice")

	me, err := e.users.Me(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)

	pub, err := e.users.Profile(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, pub.Email)
	assert.Equal(t, "alice", pub.Handle)

	_, err = e.users.Profile(ctx, 999)
	requireKind(t, err, KindNotFound)
}

func TestUserStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, _ := e.register(t, "alice")

	online, err := e.users.Status(ctx, alice)
	require.NoError(t, err)
	assert.False(t, online)

	_, err = e.presence.Connect(ctx, alice)
	require.NoError(t, err)
	online, err = e.users.Status(ctx, alice)
	require.NoError(t, err)
	assert.True(t, online)

	_, err = e.users.Status(ctx, 999)
	requireKind(t, err, KindNotFound)
}
