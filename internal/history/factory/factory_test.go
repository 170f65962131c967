package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/ollamad/internal/history/clickhouse"
	"github.com/loykin/ollamad/internal/history/opensearch"
	"github.com/loykin/ollamad/internal/history/sqlite"
)

func TestNewSinkFromDSN(t *testing.T) {
	for _, dsn := range []string{"", "   ", "invalid://test"} {
		_, err := NewSinkFromDSN(dsn)
		assert.Error(t, err, dsn)
	}

	for _, dsn := range []string{
		"sqlite://:memory:",
		":memory:",
		filepath.Join(t.TempDir(), "h.db"),
		"sqlite://" + filepath.Join(t.TempDir(), "h2.db"),
	} {
		s, err := NewSinkFromDSN(dsn)
		require.NoError(t, err, dsn)
		require.IsType(t, &sqlite.Sink{}, s)
		assert.NoError(t, s.(*sqlite.Sink).Close())
	}

	// opensearch sinks do not connect until the first event
	s, err := NewSinkFromDSN("opensearch://localhost:9200/ollamad")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, s)
}

func TestClickHouseOptions(t *testing.T) {
	opts, err := clickHouseOptions("clickhouse://bob:pw@ch.local:9440?database=metrics&table=events")
	require.NoError(t, err)
	assert.Equal(t, clickhouse.Options{
		Addr: "ch.local:9440", Database: "metrics", Username: "bob", Password: "pw", Table: "events",
	}, opts)

	opts, err = clickHouseOptions("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", opts.Addr)
	assert.Empty(t, opts.Table)
}

func TestOpenSearchTarget(t *testing.T) {
	cases := []struct {
		dsn  string
		want openSearchDSN
	}{
		{"opensearch://localhost:9200/logs", openSearchDSN{baseURL: "http://localhost:9200", index: "logs"}},
		{"opensearch://localhost:9200", openSearchDSN{baseURL: "http://localhost:9200", index: "ollamad-history"}},
		{"elasticsearch://es:9200/events?tls=true", openSearchDSN{baseURL: "https://es:9200", index: "events"}},
		{"opensearch://admin:secret@os:9200/x", openSearchDSN{baseURL: "http://os:9200", index: "x", username: "admin", password: "secret"}},
	}
	for _, tc := range cases {
		got, err := openSearchTarget(tc.dsn)
		require.NoError(t, err, tc.dsn)
		assert.Equal(t, tc.want, got, tc.dsn)
	}

	_, err := openSearchTarget("opensearch:///index")
	assert.Error(t, err)
}

func TestNewFanout(t *testing.T) {
	f, err := NewFanout([]string{":memory:", filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	assert.Len(t, f, 2)
	assert.NoError(t, f.Close())

	_, err = NewFanout([]string{":memory:", "bogus://x"})
	assert.Error(t, err)

	f, err = NewFanout(nil)
	require.NoError(t, err)
	assert.Empty(t, f)
}
