package db

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	value := []byte("hello")
	require.NoError(t, s.Set(ctx, "k", value))
	value[0] = 'j'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type item struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SetJSON(ctx, s, "items", []item{{"a", 1}, {"b", 2}}))

	var out []item
	require.NoError(t, GetJSON(ctx, s, "items", &out))
	require.Equal(t, []item{{"a", 1}, {"b", 2}}, out)

	require.NoError(t, s.Set(ctx, "broken", []byte("{not json")))
	err := GetJSON(ctx, s, "broken", &out)
	require.True(t, errors.Is(err, errors.ErrStorage))

	err = GetJSON(ctx, s, "absent", &out)
	require.True(t, stderrors.Is(err, ErrNotFound))
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db.local", Port: 3306, Username: "phone", Password: "pw", Database: "softphone"}
	dsn := cfg.DSN()
	require.Contains(t, dsn, "phone:pw@tcp(db.local:3306)/softphone")
	require.Contains(t, dsn, "parseTime=true")
}

func TestIsRetryableError(t *testing.T) {
	require.True(t, isRetryableError(stderrors.New("dial tcp: connection refused")))
	require.True(t, isRetryableError(stderrors.New("Deadlock found when trying to get lock")))
	require.False(t, isRetryableError(stderrors.New("syntax error")))
	require.False(t, isRetryableError(nil))
}
