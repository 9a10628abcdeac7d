package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SentiVerse-AI/soulx/internal/configclient"
)

func TestLeaseManagerCheckReportsLeasedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"leased":true}`)
	}))
	defer srv.Close()

	cc := configclient.New(srv.URL, "tok", "hk")
	lm := NewLeaseManager(cc, nil)

	leased, err := lm.Check(context.Background(), "miner1")
	require.NoError(t, err)
	assert.True(t, leased)
}

func TestLeaseManagerCheckSurfacesConfigServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cc := configclient.New(srv.URL, "tok", "hk")
	lm := NewLeaseManager(cc, nil)

	_, err := lm.Check(context.Background(), "miner1")
	assert.Error(t, err, "a config-service outage must not be silently read as not-leased")
}

func TestLeaseManagerAcquireViaConfigService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	cc := configclient.New(srv.URL, "tok", "hk")
	lm := NewLeaseManager(cc, nil)

	err := lm.Acquire(context.Background(), "miner1", "t1", "chat", "vhk")
	require.NoError(t, err)
}

func TestLeaseManagerAcquireFailsWithoutFallbackWhenConfigServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cc := configclient.New(srv.URL, "tok", "hk")
	lm := NewLeaseManager(cc, nil)

	err := lm.Acquire(context.Background(), "miner1", "t1", "chat", "vhk")
	assert.Error(t, err)
}

func TestLeaseManagerReleaseCallsConfigService(t *testing.T) {
	var sawDelete bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			sawDelete = true
		}
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	cc := configclient.New(srv.URL, "tok", "hk")
	lm := NewLeaseManager(cc, nil)

	lm.Release(context.Background(), "miner1")
	assert.True(t, sawDelete)
}
