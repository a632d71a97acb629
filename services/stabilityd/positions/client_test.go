package positions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"stabilitypool/crypto"
	"stabilitypool/native/stability"
)

type fakeService struct {
	mu        sync.Mutex
	active    map[string]bool
	credited  map[string]string
	unhealthy atomic.Bool
	reject    atomic.Bool
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/positions/{owner}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		active, ok := f.active[r.PathValue("owner")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"active": active})
	})
	mux.HandleFunc("POST /v1/positions/{owner}/collateral", func(w http.ResponseWriter, r *http.Request) {
		if f.reject.Load() {
			http.Error(w, "position closed", http.StatusConflict)
			return
		}
		var body struct {
			Amount string `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.credited[r.PathValue("owner")] = body.Amount
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/system/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"undercollateralized": f.unhealthy.Load()})
	})
	return mux
}

func newFake(t *testing.T) (*fakeService, *Client) {
	t.Helper()
	fake := &fakeService{active: map[string]bool{}, credited: map[string]string{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client, err := New(srv.URL, time.Second, srv.Client())
	require.NoError(t, err)
	return fake, client
}

func TestHasPosition(t *testing.T) {
	fake, client := newFake(t)
	alice := crypto.AddressFromSeed(crypto.AccountPrefix, "alice")
	bob := crypto.AddressFromSeed(crypto.AccountPrefix, "bob")
	fake.mu.Lock()
	fake.active[alice.String()] = true
	fake.active[bob.String()] = false
	fake.mu.Unlock()

	ok, err := client.HasPosition(context.Background(), alice)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.HasPosition(context.Background(), bob)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = client.HasPosition(context.Background(), crypto.AddressFromSeed(crypto.AccountPrefix, "carol"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddCollateral(t *testing.T) {
	fake, client := newFake(t)
	alice := crypto.AddressFromSeed(crypto.AccountPrefix, "alice")

	require.NoError(t, client.AddCollateral(context.Background(), alice, uint256.NewInt(1_500_000_000_000_000_000)))
	fake.mu.Lock()
	require.Equal(t, "1500000000000000000", fake.credited[alice.String()])
	fake.mu.Unlock()

	fake.reject.Store(true)
	err := client.AddCollateral(context.Background(), alice, uint256.NewInt(1))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRejected))
	require.True(t, errors.Is(err, stability.ErrCollateralRefused))
}

func TestHasUndercollateralizedPositions(t *testing.T) {
	fake, client := newFake(t)
	blocked, err := client.HasUndercollateralizedPositions(context.Background())
	require.NoError(t, err)
	require.False(t, blocked)

	fake.unhealthy.Store(true)
	blocked, err = client.HasUndercollateralizedPositions(context.Background())
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestClientTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := New(srv.URL, 50*time.Millisecond, srv.Client())
	require.NoError(t, err)
	_, err = client.HasUndercollateralizedPositions(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServerErrorsAreNotRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	client, err := New(srv.URL, time.Second, srv.Client())
	require.NoError(t, err)
	alice := crypto.AddressFromSeed(crypto.AccountPrefix, "alice")
	_, err = client.HasPosition(context.Background(), alice)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRejected))

	err = client.AddCollateral(context.Background(), alice, uint256.NewInt(1))
	require.Error(t, err)
	require.False(t, errors.Is(err, stability.ErrCollateralRefused))
}

func TestNewValidatesEndpoint(t *testing.T) {
	_, err := New("", time.Second, nil)
	require.Error(t, err)
	_, err = New("ftp://positions", time.Second, nil)
	require.Error(t, err)
}
