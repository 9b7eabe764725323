package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New(string(Development))
	require.NoError(t, err)
	require.NotNil(t, l)

	l, err = New("")
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = New("verbose")
	assert.Error(t, err)
}

func TestEnsureLogger(t *testing.T) {
	l := EnsureLogger(nil)
	require.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.With("k", "v").Info("message", "key", 1)
		syncer, ok := l.(interface{ Sync() error })
		require.True(t, ok)
		assert.NoError(t, syncer.Sync())
	})
}
