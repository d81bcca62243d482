package esi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkts-backend/internal/errs"
)

func TestRegionHistory_PreservesInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/10000003/history", r.URL.Path)
		typeID, _ := strconv.ParseInt(r.URL.Query().Get("type_id"), 10, 64)
		records := []HistoryRecord{
			{Date: "2025-07-13", Average: float64(typeID), Volume: typeID * 10, OrderCount: 3},
		}
		json.NewEncoder(w).Encode(records)
	}))
	defer server.Close()

	client := New(testConfig(server.URL), nil)
	typeIDs := []int64{603, 34, 587, 11101}
	results, err := client.RegionHistory(context.Background(), 10000003, typeIDs)
	require.NoError(t, err)
	require.Len(t, results, len(typeIDs))

	for i, typeID := range typeIDs {
		assert.Equal(t, typeID, results[i].TypeID)
		require.Len(t, results[i].Records, 1)
		assert.Equal(t, float64(typeID), results[i].Records[0].Average)
	}
}

func TestRegionHistory_PermanentPerTypeIsSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type_id") == "999" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode([]HistoryRecord{{Date: "2025-07-13", Average: 10, Volume: 5}})
	}))
	defer server.Close()

	client := New(testConfig(server.URL), nil)
	results, err := client.RegionHistory(context.Background(), 10000003, []int64{603, 999, 587})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// The refused type stays in place with no records.
	assert.Equal(t, int64(999), results[1].TypeID)
	assert.Empty(t, results[1].Records)
	assert.Len(t, results[0].Records, 1)
	assert.Len(t, results[2].Records, 1)
}

func TestRegionHistory_TransientExhaustionFailsCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(testConfig(server.URL), nil)
	_, err := client.RegionHistory(context.Background(), 10000003, []int64{603, 587})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransientFetch))
}
