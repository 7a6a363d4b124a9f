package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	natspkg "github.com/brojonat/solescrow/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSettings_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/settings", r.URL.Path)
		assert.Empty(t, r.Header.Get(WalletHeader))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"admin_wallet":    "admin123",
			"escrow_wallet":   "escrow123",
			"service_fee":     1000000,
			"service_fee_sol": "0.001",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	s, err := client.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin123", s.AdminWallet)
	assert.Equal(t, "escrow123", s.EscrowWallet)
	assert.Equal(t, uint64(1000000), s.ServiceFee)
}

func TestUpdateSettings_SendsWalletAndOmitsNilFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PUT", r.Method)
		assert.Equal(t, "admin123", r.Header.Get(WalletHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]interface{}{"service_fee_sol": "0.002"}, body)

		json.NewEncoder(w).Encode(map[string]interface{}{"service_fee": 2000000})
	}))
	defer server.Close()

	fee := "0.002"
	client := NewClient(server.URL, nil, nil).WithWallet("admin123")
	s, err := client.UpdateSettings(context.Background(), SettingsUpdate{ServiceFeeSOL: &fee})
	require.NoError(t, err)
	assert.Equal(t, uint64(2000000), s.ServiceFee)
}

func TestUpdateSettings_Forbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "not authorized: only the admin may change settings",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.UpdateSettings(context.Background(), SettingsUpdate{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "only the admin")
	assert.False(t, IsNotFound(err))
}

func TestGetPurchase_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/purchases/p1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "p1",
			"item_id":       "item-1",
			"status":        "paid",
			"escrow_status": "held",
			"escrow_tx_id":  "sig1",
			"releasable":    true,
			"transaction": map[string]interface{}{
				"id":          "t1",
				"purchase_id": "p1",
				"status":      "held",
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	view, err := client.GetPurchase(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, view.Purchase)
	assert.Equal(t, "p1", view.ID)
	assert.Equal(t, "held", string(view.EscrowStatus))
	assert.True(t, view.Releasable)
	require.NotNil(t, view.Transaction)
	assert.Equal(t, "t1", view.Transaction.ID)
}

func TestGetPurchase_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.GetPurchase(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "not json")
}

func TestListPurchases_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/purchases", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "buyer123", q.Get("buyer"))
		assert.Equal(t, "held", q.Get("escrow_status"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.False(t, q.Has("seller"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"purchases": []map[string]interface{}{{"id": "p2"}, {"id": "p1"}},
			"count":     2,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	purchases, err := client.ListPurchases(context.Background(), ListOptions{
		Buyer:        "buyer123",
		EscrowStatus: "held",
		Limit:        5,
	})
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	assert.Equal(t, "p2", purchases[0].ID)
}

func TestListTransactions_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		json.NewEncoder(w).Encode(map[string]interface{}{"transactions": []interface{}{}, "count": 0})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	txns, err := client.ListTransactions(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestRelease_Accepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/purchases/p1/release", r.URL.Path)
		assert.Equal(t, "admin123", r.Header.Get(WalletHeader))

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"purchase_id": "p1",
			"workflow_id": "release-p1",
			"run_id":      "run-1",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil).WithWallet("admin123")
	r, err := client.Release(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "release-p1", r.WorkflowID)
	assert.False(t, r.AlreadyReleased)
}

func TestRelease_AlreadyReleased(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"purchase_id":      "p1",
			"release_tx_id":    "sig2",
			"already_released": true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil).WithWallet("admin123")
	r, err := client.Release(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, r.AlreadyReleased)
	assert.Equal(t, "sig2", r.ReleaseTxID)
	assert.Empty(t, r.WorkflowID)
}

func TestWaitRelease(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/releases/release-p1", r.URL.Path)
		calls++
		status := map[string]interface{}{"workflow_id": "release-p1", "status": "running"}
		if calls >= 3 {
			status["status"] = "completed"
			status["result"] = map[string]interface{}{"purchase_id": "p1", "release_tx_id": "sig2", "attempts": 1}
		}
		json.NewEncoder(w).Encode(status)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	s, err := client.WaitRelease(ctx, "release-p1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, s.Done())
	require.NotNil(t, s.Result)
	assert.Equal(t, "sig2", s.Result.ReleaseTxID)
}

func TestGetItem_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/items/item-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "item-1",
			"price":         2000000000,
			"quantity":      1,
			"quantity_sold": 1,
			"status":        "sold",
			"price_sol":     "2",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	item, err := client.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, uint64(2000000000), item.Price)
	assert.Equal(t, "sold", item.Status)
	assert.Equal(t, "2", item.PriceSOL)
}

func writeEvent(t *testing.T, w http.ResponseWriter, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	w.(http.Flusher).Flush()
}

func TestAwait_MatchingEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/purchases", r.URL.Path)
		assert.Equal(t, "released", r.URL.Query().Get("kind"))
		assert.Equal(t, "p1", r.URL.Query().Get("purchase_id"))

		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, "connected", map[string]string{"subject": "purchases.released"})
		writeEvent(t, w, "purchase", natspkg.PurchaseEvent{Kind: "released", PurchaseID: "p0"})
		writeEvent(t, w, "purchase", natspkg.PurchaseEvent{Kind: "released", PurchaseID: "p1", ReleaseTxID: "sig2"})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	event, err := client.Await(ctx, "p1", "released")
	require.NoError(t, err)
	assert.Equal(t, "sig2", event.ReleaseTxID)
}

func TestAwait_StreamClosesFirst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, "purchase", natspkg.PurchaseEvent{Kind: "created", PurchaseID: "p1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Await(context.Background(), "p1", "released")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream closed")
}

func TestStream_ServerErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, "error", map[string]string{"error": "failed to subscribe"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Stream(context.Background(), StreamOptions{}, func(*natspkg.PurchaseEvent) error {
		t.Fatal("no purchase events expected")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}

func TestStream_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid kind"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Stream(context.Background(), StreamOptions{Kind: "refunded"}, func(*natspkg.PurchaseEvent) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid kind")
}
