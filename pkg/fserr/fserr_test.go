package fserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKind(t *testing.T) {
	base := errors.New("disk gone")
	err := New(NotFound, "storage.Get", base).WithPath("/a.txt")
	wrapped := fmt.Errorf("read file: %w", err)

	assert.True(t, errors.Is(wrapped, NotFound))
	assert.False(t, errors.Is(wrapped, Corrupt))
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, NotFound, KindOf(wrapped))
}

func TestErrorString(t *testing.T) {
	err := Errorf(Unauthorized, "replica.Propose", "missing %s right", "write").WithPath("/docs/x")
	assert.Equal(t, "replica.Propose: unauthorized path=/docs/x: missing write right", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("x"), KindUnknown},
		{"bare kind", Corrupt, Corrupt},
		{"wrapped bare kind", fmt.Errorf("object: %w", Incomplete), Incomplete},
		{"typed", New(SyncFailed, "sync", nil), SyncFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
