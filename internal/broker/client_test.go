package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "", zerolog.Nop())
}

func TestClient_AuthenticateRejectsEmptyCredentials(t *testing.T) {
	c := New("http://unused", "", zerolog.Nop())
	err := c.Authenticate(context.Background(), domain.Credentials{})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrAuthExpired)
}

func TestClient_AuthenticateSucceedsOnOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/accounts", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("X-Api-Signature"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})
	err := c.Authenticate(context.Background(), domain.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
}

func TestClient_ListAccountsDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"id":"acct1","display_name":"Eval 50k","type":"evaluation-50k","starting_balance":50000}]`))
	})
	accounts, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "acct1", accounts[0].ID)
	require.Equal(t, domain.AccountTypeEval50k, accounts[0].Type)
}

func TestClient_ResolveContractCachesAfterListContracts(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"symbol":"MNQ","contract_id":"MNQZ25","point_value":2,"tick_size":0.25}]`))
	})

	id, err := c.ResolveContract(context.Background(), "MNQ")
	require.NoError(t, err)
	require.Equal(t, "MNQZ25", id)
	require.Equal(t, 1, calls)

	id, err = c.ResolveContract(context.Background(), "MNQ")
	require.NoError(t, err)
	require.Equal(t, "MNQZ25", id)
	require.Equal(t, 1, calls, "second resolve must hit the in-process cache, not the network")
}

func TestClient_ResolveContractNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})
	_, err := c.ResolveContract(context.Background(), "ES")
	require.Error(t, err)
	var brokerErr *domain.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	require.Equal(t, domain.KindNotFound, brokerErr.Kind)
}

func TestClient_CallClassifiesRateLimitedAsRetryable(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})
	_, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestClient_CallDoesNotRetryRejected(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`bad request`))
	})
	_, err := c.ListAccounts(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestClient_CloseIsNilSafeWithoutQuoteStream(t *testing.T) {
	c := New("http://unused", "", zerolog.Nop())
	require.NoError(t, c.Close())
}

func TestClient_ResolvePointValueCachesAfterListContracts(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"symbol":"MNQ","contract_id":"MNQZ25","point_value":2,"tick_size":0.25}]`))
	})

	v, err := c.ResolvePointValue(context.Background(), "MNQ")
	require.NoError(t, err)
	require.Equal(t, 2.0, v)
	require.Equal(t, 1, calls)

	v, err = c.ResolvePointValue(context.Background(), "MNQ")
	require.NoError(t, err)
	require.Equal(t, 2.0, v)
	require.Equal(t, 1, calls, "second resolve must hit the in-process cache, not the network")
}

func TestClient_ResolvePointValueNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})
	_, err := c.ResolvePointValue(context.Background(), "ES")
	require.Error(t, err)
	var brokerErr *domain.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	require.Equal(t, domain.KindNotFound, brokerErr.Kind)
}

// TestClient_CallRefreshesOnceOnAuthExpiredThenRetries exercises the
// auth-expired retry path: the accounts endpoint returns 401 once, the
// client re-authenticates with its stored credentials, then retries the
// original call exactly once (spec.md §4.1/§7).
func TestClient_CallRefreshesOnceOnAuthExpiredThenRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1: // Authenticate's own validation call
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		case 2: // ListAccounts under test: session has expired
			w.WriteHeader(http.StatusUnauthorized)
		case 3: // refreshAuth's validation call
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		default: // the retried ListAccounts call
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[{"id":"acct1","display_name":"Eval 50k","type":"evaluation-50k","starting_balance":50000}]`))
		}
	})
	require.NoError(t, c.Authenticate(context.Background(), domain.Credentials{APIKey: "k", APISecret: "s"}))

	accounts, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, int32(4), atomic.LoadInt32(&calls), "expected validate, failed call, refresh validate, retried call")
}

func TestClient_RefreshAuthFailsWithoutStoredCredentials(t *testing.T) {
	c := New("http://unused", "", zerolog.Nop())
	err := c.refreshAuth(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrAuthExpired)
}
