package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NamespacedPorts(t *testing.T) {
	p, err := DefaultPorts().Namespaced(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPorts(), p)

	p1, err := DefaultPorts().Namespaced(1)
	require.NoError(t, err)
	assert.Equal(t, DefaultPorts().TokenTCP+128, p1.TokenTCP)
}

func Test_NamespacedPortsRejectsOutOfRange(t *testing.T) {
	_, err := DefaultPorts().Namespaced(128)
	assert.Error(t, err)

	_, err = DefaultPorts().Namespaced(-1)
	assert.Error(t, err)
}
