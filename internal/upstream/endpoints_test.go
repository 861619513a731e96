package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoints(t *testing.T) {
	eps, err := NewEndpoints("http://upstream:8000", DefaultPaths())
	require.NoError(t, err)

	assert.Equal(t, "http://upstream:8000/query/search/stream", eps.URL(CapSearchStream))
	assert.Equal(t, "http://upstream:8000/db/search_results/s-42", eps.URL(CapSearchResults, "s-42"))
	assert.Equal(t, "http://upstream:8000/db/chats/match/m%2F1", eps.URL(CapChatHistory, "m/1"))

	assert.True(t, eps.Has(CapHealth))
	assert.False(t, eps.Has("teleport"))
	assert.Equal(t, []string{
		CapChatHistory, CapChatStream, CapHealth,
		CapSearchInsert, CapSearchResults, CapSearchStream,
	}, eps.Names())
}

func TestEndpointsTrailingSlashBase(t *testing.T) {
	eps, err := NewEndpoints("http://upstream:8000/", DefaultPaths())
	require.NoError(t, err)
	assert.Equal(t, "http://upstream:8000/health", eps.URL(CapHealth))
}

func TestEndpointsRejectsBareHost(t *testing.T) {
	_, err := NewEndpoints("upstream:8000", nil)
	assert.Error(t, err)
}
