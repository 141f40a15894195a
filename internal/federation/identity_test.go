package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
)

func TestFetchIdentity_DecodesNodeIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		json.NewEncoder(w).Encode(domain.NodeIdentity{
			Branch: "main", Version: "1.2.3", Hash: "abc123", MiningPoolURL: "https://pool.example",
		})
	}))
	defer srv.Close()

	w := workerFromServer(t, srv)
	c := &Client{}
	probe, err := c.FetchIdentity(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", probe.Version)
	assert.Equal(t, "https://pool.example", probe.MiningPoolURL)
}

func TestFetchIdentity_FailsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := workerFromServer(t, srv)
	c := &Client{}
	ctx, cancel := context.WithTimeout(context.Background(), IdentityProbeTimeout)
	defer cancel()
	_, err := c.FetchIdentity(ctx, w)
	assert.Error(t, err)
}
