package campaign

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pledgerun/pkg/config"
	"pledgerun/pkg/errutil"
	"pledgerun/pkg/middleware"
	"pledgerun/services/ledger"
	"pledgerun/services/reporting"
	"pledgerun/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type mockSequence struct {
	NextCampaignCodeFn func(ctx context.Context) (string, error)
}

func (m *mockSequence) NextCampaignCode(ctx context.Context) (string, error) {
	return m.NextCampaignCodeFn(ctx)
}

func newTestService(t *testing.T, seq *mockSequence) (*Service, *ledger.Store) {
	t.Helper()

	db := testutil.NewTestDB(t, ledger.Models()...)
	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: testutil.NewNode(t)})

	p := ServiceParams{Store: store, Reporter: reporting.NewReporter(store)}
	if seq != nil {
		p.Seq = seq
	}
	return NewService(p), store
}

func createCmd(title string) CreateCampaignCommand {
	return CreateCampaignCommand{
		OwnerRef:     "runner-1",
		Title:        title,
		Description:  "10k every weekend",
		TargetAmount: decimal.NewFromInt(500),
		Deadline:     time.Now().Add(30 * 24 * time.Hour),
	}
}

func TestCreateCampaign(t *testing.T) {
	svc, _ := newTestService(t, &mockSequence{
		NextCampaignCodeFn: func(ctx context.Context) (string, error) { return "CMP-261019-001AB", nil },
	})

	view, err := svc.CreateCampaign(context.Background(), createCmd("River Run 2026!"))
	require.NoError(t, err)
	require.Equal(t, "CMP-261019-001AB", view.Code)
	require.True(t, strings.HasPrefix(view.Slug, "river-run-2026-"), view.Slug)
	require.Equal(t, ledger.CampaignActive, view.Status)
	require.True(t, view.TotalPledged.IsZero())
	require.Equal(t, 30, view.DaysRemaining)
}

func TestCreateCampaignFallsBackWithoutSequence(t *testing.T) {
	svc, _ := newTestService(t, &mockSequence{
		NextCampaignCodeFn: func(ctx context.Context) (string, error) { return "", errors.New("redis down") },
	})

	view, err := svc.CreateCampaign(context.Background(), createCmd("Fallback"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(view.Code, "CMP-"))

	plain, _ := newTestService(t, nil)
	view, err = plain.CreateCampaign(context.Background(), createCmd("  "))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(view.Slug, "campaign-"))
}

func TestCreateCampaignValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	cmd := createCmd("Zero")
	cmd.TargetAmount = decimal.Zero
	_, err := svc.CreateCampaign(ctx, cmd)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	cmd = createCmd("Past")
	cmd.Deadline = time.Now().Add(-time.Minute)
	_, err = svc.CreateCampaign(ctx, cmd)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestUpdateStatus(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	view, err := svc.CreateCampaign(ctx, createCmd("Status"))
	require.NoError(t, err)

	same, err := svc.UpdateStatus(ctx, view.ID, ledger.CampaignActive)
	require.NoError(t, err)
	require.Equal(t, ledger.CampaignActive, same.Status)

	done, err := svc.UpdateStatus(ctx, view.ID, ledger.CampaignCompleted)
	require.NoError(t, err)
	require.Equal(t, ledger.CampaignCompleted, done.Status)

	_, err = svc.UpdateStatus(ctx, view.ID, ledger.CampaignActive)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))

	_, err = svc.UpdateStatus(ctx, "missing", ledger.CampaignExpired)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestDeleteCampaign(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	view, err := svc.CreateCampaign(ctx, createCmd("Delete me"))
	require.NoError(t, err)

	backer := "backer"
	require.NoError(t, store.CreatePledge(ctx, &ledger.Pledge{
		CampaignID:         view.ID,
		BackerUserRef:      &backer,
		PerUnitRate:        decimal.NewFromInt(1),
		TotalAmountPledged: decimal.NewFromInt(10),
		AmountRemaining:    decimal.NewFromInt(10),
	}))
	err = svc.DeleteCampaign(ctx, view.ID)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
	require.ErrorIs(t, err, ledger.ErrCampaignHasPledges)

	empty, err := svc.CreateCampaign(ctx, createCmd("Empty"))
	require.NoError(t, err)
	require.NoError(t, svc.DeleteCampaign(ctx, empty.ID))

	_, err = svc.GetCampaign(ctx, empty.ID)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(svc.DeleteCampaign(ctx, empty.ID)))
}

func TestExpireOverdue(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	view, err := svc.CreateCampaign(ctx, createCmd("Soon over"))
	require.NoError(t, err)

	backer := "backer"
	p := &ledger.Pledge{
		CampaignID:         view.ID,
		BackerUserRef:      &backer,
		PerUnitRate:        decimal.NewFromInt(1),
		TotalAmountPledged: decimal.NewFromInt(10),
		AmountRemaining:    decimal.NewFromInt(10),
	}
	require.NoError(t, store.CreatePledge(ctx, p))

	svc.now = func() time.Time { return view.Deadline.Add(time.Minute) }
	summary, err := svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, ExpirySummary{Campaigns: 1, Pledges: 1}, summary)

	got, err := svc.GetCampaign(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.CampaignExpired, got.Status)

	pledge, err := store.GetPledge(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PledgeExpired, pledge.Status)
}

func TestHandlerRoutes(t *testing.T) {
	svc, _ := newTestService(t, nil)

	cfg := &config.Config{}
	cfg.AccessControl.APIKeys = map[string]string{"op-key": "operator", "viewer-key": "viewer"}
	authz, err := middleware.NewAuthorizer(cfg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Error())
	RegisterRoutes(r, authz, NewHandler(svc))

	do := func(method, path, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(middleware.APIKeyHeader, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	deadline := time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	body := `{"ownerRef":"runner-1","title":"Coastal 50","targetAmount":"250","deadline":"` + deadline + `"}`

	require.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/campaigns", "", body).Code)
	require.Equal(t, http.StatusForbidden, do(http.MethodPost, "/campaigns", "viewer-key", body).Code)

	w := do(http.MethodPost, "/campaigns", "op-key", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"shareableLink":"coastal-50-`)

	w = do(http.MethodGet, "/campaigns?ownerRef=runner-1&limit=5", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"daysRemaining":3`)

	w = do(http.MethodGet, "/campaigns?status=paused", "", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusNotFound, do(http.MethodGet, "/campaigns/nope", "", "").Code)
	require.Equal(t, http.StatusBadRequest, do(http.MethodPatch, "/campaigns/nope/status", "op-key", `{"status":"paused"}`).Code)
}
