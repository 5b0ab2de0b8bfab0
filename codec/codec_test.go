package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("event", []byte("hello"))

	assert.Len(t, env.ID, 26)
	assert.Equal(t, "event", env.Kind)
	assert.Equal(t, uint32(SchemaVersion), env.SchemaVersion)
	assert.Equal(t, []byte("hello"), env.Payload)
	assert.WithinDuration(t, time.Now(), env.Timestamp, time.Second)
}

func TestNewEnvelope_UniqueSortableIDs(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 100; i++ {
		env := NewEnvelope("event", nil)
		require.False(t, seen[env.ID], "duplicate ULID %s", env.ID)
		seen[env.ID] = true
		if prev != "" {
			assert.GreaterOrEqual(t, env.ID, prev)
		}
		prev = env.ID
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		[]byte("plain text"),
		{0x00, 0xff, 0x7f, 0x80},
		bytes.Repeat([]byte("x"), 10_000),
	}

	for _, payload := range payloads {
		env := NewEnvelope("round-trip", payload)

		data, err := Encode(env)
		require.NoError(t, err)

		got, err := Decode(data, DefaultMaxSize)
		require.NoError(t, err)

		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, env.Kind, got.Kind)
		assert.Equal(t, env.SchemaVersion, got.SchemaVersion)
		assert.True(t, env.Timestamp.Equal(got.Timestamp))
		if len(payload) == 0 {
			assert.Empty(t, got.Payload)
		} else {
			assert.Equal(t, payload, got.Payload)
		}
	}
}

func TestEncode_NilEnvelope(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestDecode_TooLarge(t *testing.T) {
	env := NewEnvelope("big", bytes.Repeat([]byte("x"), 1024))
	data, err := Encode(env)
	require.NoError(t, err)

	_, err = Decode(data, 64)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode_DefaultMaxSize(t *testing.T) {
	env := NewEnvelope("small", []byte("ok"))
	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("{not json"), DefaultMaxSize)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTooLarge)
}

func TestDecode_SchemaVersion(t *testing.T) {
	t.Run("older compatible version accepted", func(t *testing.T) {
		env := NewEnvelope("old", []byte("v1"))
		env.SchemaVersion = minCompatibleVersion
		data, err := Encode(env)
		require.NoError(t, err)

		got, err := Decode(data, DefaultMaxSize)
		require.NoError(t, err)
		assert.Equal(t, uint32(minCompatibleVersion), got.SchemaVersion)
	})

	t.Run("newer version rejected", func(t *testing.T) {
		env := NewEnvelope("future", nil)
		env.SchemaVersion = SchemaVersion + 1
		data, err := Encode(env)
		require.NoError(t, err)

		_, err = Decode(data, DefaultMaxSize)
		assert.ErrorIs(t, err, ErrSchemaVersion)
	})

	t.Run("version zero rejected", func(t *testing.T) {
		env := NewEnvelope("ancient", nil)
		env.SchemaVersion = 0
		data, err := Encode(env)
		require.NoError(t, err)

		_, err = Decode(data, DefaultMaxSize)
		assert.ErrorIs(t, err, ErrSchemaVersion)
	})
}
