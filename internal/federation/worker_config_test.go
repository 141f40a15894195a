package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchConfigs_FetchesBothWireGuardAndSOCKS5(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("type") {
		case "wireguard":
			json.NewEncoder(w).Encode(vpnResponse{WireGuardConfig: "wg-cfg"})
		case "socks5":
			json.NewEncoder(w).Encode(vpnResponse{SOCKS5Config: "socks5://u:p@1.2.3.4:1080"})
		}
	}))
	defer srv.Close()

	c := &Client{}
	wg, socks, err := c.FetchConfigs(context.Background(), workerFromServer(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "wg-cfg", wg)
	assert.Equal(t, "socks5://u:p@1.2.3.4:1080", socks)
}

func TestFetchConfigs_PropagatesErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{}
	_, _, err := c.FetchConfigs(context.Background(), workerFromServer(t, srv))
	assert.Error(t, err)
}
