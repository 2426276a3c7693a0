package pledge

import (
	"context"
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
	"pledgerun/pkg/db/pagination"
	"pledgerun/pkg/errutil"
	"pledgerun/pkg/middleware"
	"pledgerun/services/ledger"
	"pledgerun/services/reporting"
	"pledgerun/services/testutil"
)

const backerWallet = "0x52908400098527886E0F7030069857D2E4169EE7"

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T) (*Service, *ledger.Store) {
	t.Helper()

	db := testutil.NewTestDB(t, ledger.Models()...)
	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: testutil.NewNode(t)})
	return NewService(ServiceParams{Store: store, Reporter: reporting.NewReporter(store)}), store
}

func seedCampaign(t *testing.T, store *ledger.Store, status ledger.CampaignStatus, deadline time.Time) *ledger.Campaign {
	t.Helper()

	c := &ledger.Campaign{
		ID:           store.NewID(),
		OwnerRef:     "runner-1",
		Slug:         "trail-" + store.NewID(),
		Title:        "Trail 30k",
		TargetAmount: decimal.NewFromInt(1000),
		Deadline:     deadline.UTC(),
		Status:       status,
	}
	require.NoError(t, store.DB().Create(c).Error)
	return c
}

func userCmd(campaignID, backer string) CreatePledgeCommand {
	return CreatePledgeCommand{
		CampaignID:         campaignID,
		BackerUserRef:      backer,
		PerUnitRate:        decimal.RequireFromString("1.25"),
		TotalAmountPledged: decimal.NewFromInt(100),
	}
}

func TestCreatePledge(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	c := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(24*time.Hour))

	view, err := svc.CreatePledge(ctx, userCmd(c.ID, "backer-1"))
	require.NoError(t, err)
	require.Equal(t, ledger.PledgePending, view.Status)
	require.True(t, view.AmountRemaining.Equal(decimal.NewFromInt(100)))
	require.True(t, view.AmountPaidOut.IsZero())
	require.True(t, view.PaidOutPercent.IsZero())
	require.False(t, view.EscrowConfirmed)
	require.True(t, view.Balanced())

	anon, err := svc.CreatePledge(ctx, CreatePledgeCommand{
		CampaignID:          c.ID,
		BackerWalletAddress: backerWallet,
		PerUnitRate:         decimal.NewFromInt(2),
		TotalAmountPledged:  decimal.NewFromInt(40),
	})
	require.NoError(t, err)
	require.Nil(t, anon.BackerUserRef)
	require.Equal(t, backerWallet, anon.Backer())
}

func TestCreatePledgeRules(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	active := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(24*time.Hour))
	overdue := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(-time.Hour))
	completed := seedCampaign(t, store, ledger.CampaignCompleted, time.Now().Add(24*time.Hour))

	both := userCmd(active.ID, "backer-1")
	both.BackerWalletAddress = backerWallet

	zeroRate := userCmd(active.ID, "backer-1")
	zeroRate.PerUnitRate = decimal.Zero

	negative := userCmd(active.ID, "backer-1")
	negative.TotalAmountPledged = decimal.NewFromInt(-5)

	cases := []struct {
		name   string
		cmd    CreatePledgeCommand
		status errutil.CoreStatus
	}{
		{"no backer", userCmd(active.ID, ""), errutil.StatusValidationFailed},
		{"two backers", both, errutil.StatusValidationFailed},
		{"zero rate", zeroRate, errutil.StatusValidationFailed},
		{"negative total", negative, errutil.StatusValidationFailed},
		{"unknown campaign", userCmd("missing", "backer-1"), errutil.StatusNotFound},
		{"inactive campaign", userCmd(completed.ID, "backer-1"), errutil.StatusBadRequest},
		{"deadline passed", userCmd(overdue.ID, "backer-1"), errutil.StatusBadRequest},
		{"own campaign", userCmd(active.ID, active.OwnerRef), errutil.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePledge(ctx, tc.cmd)
			require.Error(t, err)
			require.Equal(t, tc.status, errutil.StatusOf(err))
		})
	}

	var n int64
	require.NoError(t, store.DB().Model(&ledger.Pledge{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestCreatePledgeDuplicateActive(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	c := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(24*time.Hour))

	first, err := svc.CreatePledge(ctx, userCmd(c.ID, "backer-1"))
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&ledger.Pledge{}).Where("id = ?", first.ID).Update("status", ledger.PledgeActive).Error)

	_, err = svc.CreatePledge(ctx, userCmd(c.ID, "backer-1"))
	require.ErrorIs(t, err, ledger.ErrDuplicateActivePledge)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	_, err = svc.CreatePledge(ctx, userCmd(c.ID, "backer-2"))
	require.NoError(t, err)
}

func TestGetAndListPledges(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	c := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(24*time.Hour))

	var ids []string
	for _, backer := range []string{"a", "b", "c"} {
		view, err := svc.CreatePledge(ctx, userCmd(c.ID, backer))
		require.NoError(t, err)
		ids = append(ids, view.ID)
	}

	view, err := svc.GetPledge(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, "b", view.Backer())

	_, err = svc.GetPledge(ctx, "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	page, info, err := svc.ListPledges(ctx, ListPledgesQuery{
		Pagination: pagination.Pagination{Limit: 2},
		CampaignID: c.ID,
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	rest, info, err := svc.ListPledges(ctx, ListPledgesQuery{
		Pagination: pagination.Pagination{Limit: 2, Cursor: info.NextCursor},
		CampaignID: c.ID,
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)

	byBacker, _, err := svc.ListPledges(ctx, ListPledgesQuery{BackerUserRef: "c"})
	require.NoError(t, err)
	require.Len(t, byBacker, 1)
	require.Equal(t, ids[2], byBacker[0].ID)
}

func TestCompleteExhausted(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	c := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(24*time.Hour))

	view, err := svc.CreatePledge(ctx, userCmd(c.ID, "backer-1"))
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&ledger.Pledge{}).Where("id = ?", view.ID).Updates(map[string]any{
		"status":           ledger.PledgeActive,
		"amount_remaining": decimal.Zero,
		"amount_paid_out":  decimal.NewFromInt(100),
	}).Error)

	n, err := svc.CompleteExhausted(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stored, err := store.GetPledge(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PledgeCompleted, stored.Status)

	n, err = svc.CompleteExhausted(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSetWallet(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetWallet(ctx, "runner-1", SetWalletRequest{Address: "0x1111111111111111111111111111111111111111", Provider: "metamask"})
	require.NoError(t, err)
	second, err := svc.SetWallet(ctx, "runner-1", SetWalletRequest{Address: backerWallet, Provider: "coinbase"})
	require.NoError(t, err)

	active, err := store.ActiveWallet(ctx, "runner-1")
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)
	require.Equal(t, backerWallet, active.Address)

	_, err = svc.SetWallet(ctx, " ", SetWalletRequest{Address: backerWallet, Provider: "metamask"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestHandlerRoutes(t *testing.T) {
	svc, store := newTestService(t)
	c := seedCampaign(t, store, ledger.CampaignActive, time.Now().Add(24*time.Hour))

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

	body := `{"campaignId":"` + c.ID + `","backerUserRef":"backer-9","perUnitRate":"0.5","totalAmountPledged":"20"}`

	require.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/pledges", "", body).Code)
	require.Equal(t, http.StatusForbidden, do(http.MethodPost, "/pledges", "viewer-key", body).Code)

	w := do(http.MethodPost, "/pledges", "op-key", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"status":"pending"`)

	w = do(http.MethodGet, "/pledges?campaignId="+c.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"backerUserRef":"backer-9"`)

	require.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/pledges?status=cancelled", "", "").Code)
	require.Equal(t, http.StatusNotFound, do(http.MethodGet, "/pledges/nope", "", "").Code)

	w = do(http.MethodPut, "/owners/runner-1/wallet", "op-key", `{"address":"not-a-wallet","provider":"metamask"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPut, "/owners/runner-1/wallet", "op-key", `{"address":"`+backerWallet+`","provider":"metamask"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"status":"active"`)
}
