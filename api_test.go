package blockclique

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func apiRequest(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAPIServer(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	f.processor.Run()
	defer f.processor.Shutdown()
	ids := runChain(t, f)
	handler := NewAPIServer(f.cfg, f.processor, f.registry, testLogger()).Handler()

	rec := apiRequest(t, handler, http.MethodGet, "/status", nil)
	require.Equal(http.StatusOK, rec.Code)
	var status NodeStatus
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(Protocol, status.Protocol)
	require.Equal(NewSlot(1, 0), status.FinalSlot)
	require.Equal(3, status.ActiveBlocks)
	require.Equal(1, status.Cliques)
	require.NotNil(status.CurrentSlot)

	rec = apiRequest(t, handler, http.MethodGet, "/blocks/"+ids[0].String(), nil)
	require.Equal(http.StatusOK, rec.Code)
	var info BlockInfo
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(ids[0], info.ID)
	require.Equal(BLOCK_FINAL, info.Status)
	require.Equal(NewSlot(1, 0), info.Block.Header.Slot)

	rec = apiRequest(t, handler, http.MethodGet, "/blocks/"+testBlockID(9).String(), nil)
	require.Equal(http.StatusNotFound, rec.Code)
	rec = apiRequest(t, handler, http.MethodGet, "/blocks/nope", nil)
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = apiRequest(t, handler, http.MethodGet, "/addresses/"+testAddress(1).String(), nil)
	require.Equal(http.StatusOK, rec.Code)
	var addrInfo AddressInfo
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &addrInfo))
	require.Equal(uint64(10), addrInfo.FinalRolls)
	require.Equal(1000+f.cfg.BlockReward, addrInfo.FinalBalance)

	// draws of periods 1 and 2 in both threads
	rec = apiRequest(t, handler, http.MethodGet, "/draws?start=1&end=3", nil)
	require.Equal(http.StatusOK, rec.Code)
	var draws []json.RawMessage
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &draws))
	require.Len(draws, 4)
	rec = apiRequest(t, handler, http.MethodGet, "/draws?start=0&end=10", nil)
	require.Equal(http.StatusBadRequest, rec.Code)
	rec = apiRequest(t, handler, http.MethodGet, "/draws?start=x", nil)
	require.Equal(http.StatusBadRequest, rec.Code)

	rec = apiRequest(t, handler, http.MethodGet, "/events?start=0&end=5", nil)
	require.Equal(http.StatusOK, rec.Code)

	rec = apiRequest(t, handler, http.MethodGet, "/metrics", nil)
	require.Equal(http.StatusOK, rec.Code)
	require.Contains(rec.Body.String(), "blockclique_")
}

func TestAPIServerOperations(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	f.processor.Run()
	defer f.processor.Shutdown()
	handler := NewAPIServer(f.cfg, f.processor, nil, testLogger()).Handler()

	current, ok := f.cfg.Clock().SlotAt(time.Now())
	require.True(ok)
	id, op := mustSignedTransaction(t, testKey(1), testAddress(2), 5, 1, current.Period+5)
	body, err := json.Marshal(op)
	require.NoError(err)
	rec := apiRequest(t, handler, http.MethodPost, "/operations", body)
	require.Equal(http.StatusAccepted, rec.Code)
	var resp map[string]OperationID
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(id, resp["operation_id"])

	rec = apiRequest(t, handler, http.MethodPost, "/operations", []byte("{"))
	require.Equal(http.StatusBadRequest, rec.Code)

	// no gatherer, no metrics
	rec = apiRequest(t, handler, http.MethodGet, "/metrics", nil)
	require.Equal(http.StatusNotFound, rec.Code)
}
