package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestStorageErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"business error passes through", Forbidden("no"), KindForbidden},
		{"wrapped business error", fmt.Errorf("tx: %w", NotFound("gone")), KindNotFound},
		{"duplicate key", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), KindConflict},
		{"anything else", errors.New("connection reset"), KindServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(storageErr(tt.err)))
		})
	}
	assert.NoError(t, storageErr(nil))
}

func TestMessageHidesServerErrors(t *testing.T) {
	err := storageErr(errors.New("pq: relation \"users\" does not exist"))
	assert.Equal(t, "internal error", Message(err))
	assert.Equal(t, "not a member of this chat", Message(ErrNotMember))
	assert.True(t, IsKind(ErrNotMember, KindForbidden))
	assert.False(t, IsKind(nil, KindForbidden))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidArgument("x"), 400},
		{ErrInvalidCredentials, 401},
		{ErrNotMember, 403},
		{ErrChatNotFound, 404},
		{ErrHandleTaken, 409},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}
