package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/external"
	"github.com/hunterfi/factory/packages/refund"
)

func newTestHandler(t *testing.T) (*HTTPHandler, *Service, *external.FakeTokenLedgerClient) {
	t.Helper()
	svc, _, tokens, ledgerSvc := newTestService(t)
	refundSvc := refund.New(svc.store, ledgerSvc, 3, nil)
	handler := NewHTTPHandler(svc, refundSvc, ledgerSvc)
	return handler, svc, tokens
}

func TestHTTPCreateAndConfirmDeployment(t *testing.T) {
	handler, svc, tokens := newTestHandler(t)
	ctx := context.Background()

	_, err := svc.ledger.Deposit(ctx, "owner-1", feeE8s)
	require.NoError(t, err)
	tokens.Approve("owner-1", feeE8s)

	body, _ := json.Marshal(map[string]interface{}{
		"strategy": "dca",
		"config":   validDCAConfig(),
	})
	req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Handle(rr, req, "owner-1", []string{"deployments"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var record domain.DeploymentRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &record))
	require.Equal(t, domain.PendingPayment, record.Status)

	confirmReq := httptest.NewRequest(http.MethodPost, "/deployments/"+record.DeploymentID+"/confirm", nil)
	confirmRR := httptest.NewRecorder()
	handler.Handle(confirmRR, confirmReq, "owner-1", []string{"deployments", record.DeploymentID, "confirm"})
	require.Equal(t, http.StatusOK, confirmRR.Code)

	time.Sleep(20 * time.Millisecond) // let the background ExecuteDeployment goroutine finish

	getReq := httptest.NewRequest(http.MethodGet, "/deployments/"+record.DeploymentID, nil)
	getRR := httptest.NewRecorder()
	handler.Handle(getRR, getReq, "owner-1", []string{"deployments", record.DeploymentID})
	require.Equal(t, http.StatusOK, getRR.Code)

	var final domain.DeploymentRecord
	require.NoError(t, json.Unmarshal(getRR.Body.Bytes(), &final))
	require.Equal(t, domain.Deployed, final.Status)
}

func TestHTTPRejectsUnknownStrategy(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	body, _ := json.Marshal(map[string]interface{}{"strategy": "not_a_strategy", "config": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.Handle(rr, req, "owner-1", []string{"deployments"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTPGetDeploymentFee(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/fee", nil)
	rr := httptest.NewRecorder()
	handler.Handle(rr, req, "owner-1", []string{"fee"})
	require.Equal(t, http.StatusOK, rr.Code)

	var payload map[string]uint64
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Equal(t, uint64(feeE8s), payload["deployment_fee_e8s"])
}

func TestHTTPUnknownRouteIs404(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/bogus", nil)
	rr := httptest.NewRecorder()
	handler.Handle(rr, req, "owner-1", []string{"bogus"})
	require.Equal(t, http.StatusNotFound, rr.Code)
}
