package hostmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Ranks: []Entry{
			{Rank: 1, Host: "reader-01.daq.local", Port: 35560},
			{Rank: 2, Host: "reader-02.daq.local", Port: 35560},
			{Rank: 3, Host: "builder-01.daq.local", Port: 35561},
		},
		ReceiverSets: map[string][]string{
			"readers":  {"reader-*"},
			"builders": {"builder-*"},
		},
	}
}

func Test_Resolve(t *testing.T) {
	m, err := Build(testConfig())
	require.NoError(t, err)

	e, ok := m.Resolve(1)
	require.True(t, ok)
	assert.Equal(t, "reader-01.daq.local:35560", e.Addr())

	_, ok = m.Resolve(99)
	assert.False(t, ok)
}

func Test_ReceiverSetGlob(t *testing.T) {
	m, err := Build(testConfig())
	require.NoError(t, err)

	readers, ok := m.Set("readers")
	require.True(t, ok)
	assert.Equal(t, []int32{1, 2}, readers)

	builders, ok := m.Set("builders")
	require.True(t, ok)
	assert.Equal(t, []int32{3}, builders)
}

func Test_DuplicateRankRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Ranks = append(cfg.Ranks, Entry{Rank: 1, Host: "dup", Port: 1})

	_, err := Build(cfg)
	assert.Error(t, err)
}

func Test_RanksSorted(t *testing.T) {
	m, err := Build(testConfig())
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, m.Ranks())
}
