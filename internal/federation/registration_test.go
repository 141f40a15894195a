package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/ticket"
)

func TestRegisterMiningPoolWithValidators_AllSettledReportsBothOutcomes(t *testing.T) {
	var posted domain.MiningPool
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(domain.NodeIdentity{})
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	okAddr := strings.TrimPrefix(ok.URL, "http://")
	brokenAddr := strings.TrimPrefix(broken.URL, "http://")

	client := New(ticket.New(0), Config{})
	report := client.RegisterMiningPoolWithValidators(context.Background(), []string{okAddr, brokenAddr}, domain.MiningPool{MiningPoolUID: "pool-1"})

	assert.Contains(t, report.Successes, okAddr)
	assert.Contains(t, report.Failures, brokenAddr)
	assert.Equal(t, "pool-1", posted.MiningPoolUID)
}

func TestRegisterMiningPoolWorkersWithValidators_PostsWorkerList(t *testing.T) {
	var posted []domain.Worker
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(domain.NodeIdentity{})
			return
		}
		assert.Equal(t, "/validator/broadcast/workers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	client := New(ticket.New(0), Config{})
	report := client.RegisterMiningPoolWorkersWithValidators(context.Background(), []string{addr}, []domain.Worker{{IP: "10.0.0.5"}})

	assert.Contains(t, report.Successes, addr)
	require.Len(t, posted, 1)
	assert.Equal(t, "10.0.0.5", posted[0].IP)
}
