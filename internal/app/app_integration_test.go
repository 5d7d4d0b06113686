//go:build integration

package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/app"
	"github.com/xenking/readiness-billing/internal/domain/affiliate"
	"github.com/xenking/readiness-billing/internal/domain/auth"
	"github.com/xenking/readiness-billing/internal/domain/coupon"
	"github.com/xenking/readiness-billing/internal/repository"
)

const (
	testAPIKey  = "integration-test-key"
	testPepper  = "test-pepper-for-integration"
	readerKey   = "reader-key"
	affiliateID = "user-aff"
	buyerID     = "user-buyer"
)

var (
	baseURL    string
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

type noopTelemetry struct{}

func (noopTelemetry) TracerProvider() trace.TracerProvider { return tracenoop.NewTracerProvider() }
func (noopTelemetry) MeterProvider() metric.MeterProvider  { return metricnoop.NewMeterProvider() }

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "billing",
				"POSTGRES_PASSWORD": "billing",
				"POSTGRES_DB":       "billing",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	endpoint, err := pg.Endpoint(ctx, "")
	if err != nil {
		log.Fatalf("postgres endpoint: %v", err)
	}
	dsn := fmt.Sprintf("postgres://billing:billing@%s/billing?sslmode=disable", endpoint)

	addr, err := freeAddr()
	if err != nil {
		log.Fatalf("free port: %v", err)
	}
	baseURL = "http://" + addr

	cfg := &app.Config{
		Addr:         addr,
		DatabaseURL:  dsn,
		APIKeyPepper: testPepper,
		Pricing:      app.PricingConfig{Basic: "50.00", Standard: "100.00", Premium: "250.00", UnknownTier: "reject"},
		Commission:   app.CommissionConfig{Rate: "0.10"},
		Idempotency:  app.IdempotencyConfig{Strategy: "statusCheck"},
		Redemption:   app.RedemptionConfig{Timeout: 5 * time.Second},
		RateLimit:    app.RateLimitConfig{Max: 10_000, Window: time.Minute},
		CORS:         app.CORSConfig{Origins: []string{"*"}},
		Graceful:     app.GracefulConfig{ShutdownTimeout: 5 * time.Second},
	}

	srvCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(srvCtx, zap.NewNop(), noopTelemetry{}, cfg) }()
	defer func() {
		stop()
		if err := <-done; err != nil {
			log.Printf("server: %v", err)
		}
	}()

	if err := waitReady(ctx); err != nil {
		log.Printf("wait for server: %v", err)
		return 1
	}
	if err := seed(ctx, dsn); err != nil {
		log.Printf("seed: %v", err)
		return 1
	}
	return m.Run()
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().String(), nil
}

// waitReady polls /readyz, which only passes after migrations ran.
func waitReady(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			resp, err := httpClient.Get(baseURL + "/readyz")
			if err != nil {
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func seed(ctx context.Context, dsn string) error {
	pool, err := repository.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	ref := "AFF10"
	users := repository.NewUserRepository(pool)
	for _, u := range []affiliate.User{
		{ID: affiliateID, Email: "aff@example.com", ReferralCode: ref, IsAffiliate: true},
		{ID: buyerID, Email: "buyer@example.com", ReferralCode: "BUY1", ReferredBy: &ref},
	} {
		if err := users.Upsert(ctx, u); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if _, err := repository.NewCouponRepository(pool).Import(ctx, []coupon.Coupon{{
		ID:                 "00000000-0000-0000-0000-000000000001",
		Code:               "SAVE20",
		DiscountPercentage: decimal.NewFromInt(20),
		MaxUses:            10,
		ExpiresAt:          now.Add(24 * time.Hour),
		CreatedAt:          now,
	}}); err != nil {
		return err
	}

	keys := repository.NewAPIKeyRepository(pool)
	for _, k := range []auth.APIKeyInfo{
		{ID: "admin", KeyHash: auth.Hash([]byte(testPepper), testAPIKey), Name: "admin", Scopes: []string{auth.ScopeAdmin}},
		{ID: "reader", KeyHash: auth.Hash([]byte(testPepper), readerKey), Name: "reader", Scopes: []string{}},
	} {
		if err := keys.Upsert(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func call(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("api_key", key)
	}

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	out := map[string]any{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	return resp.StatusCode, out
}

func TestHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/livez", "/readyz"} {
		code, body := call(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, code, path)
		assert.Equal(t, "ok", body["status"], path)
	}
}

func TestRequiresAPIKey(t *testing.T) {
	code, body := call(t, http.MethodPost, "/api/quote", "", map[string]any{"tier": "basic"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Unauthorized", body["error"])

	code, _ = call(t, http.MethodPost, "/api/quote", "wrong", map[string]any{"tier": "basic"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestQuote(t *testing.T) {
	code, body := call(t, http.MethodPost, "/api/quote", readerKey, map[string]any{
		"tier": "Standard", "couponCode": " SAVE20 ",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, json.Number("100.00"), body["originalPrice"])
	assert.Equal(t, json.Number("20.00"), body["discount"])
	assert.Equal(t, json.Number("80.00"), body["finalPrice"])
	assert.Equal(t, true, body["valid"])

	code, _ = call(t, http.MethodPost, "/api/quote", readerKey, map[string]any{"tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCheckoutCreditsAffiliate(t *testing.T) {
	code, created := call(t, http.MethodPost, "/api/assessments", readerKey, map[string]any{
		"userId": buyerID, "tier": "standard",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, json.Number("100.00"), created["amount"])
	assessmentID := created["assessmentId"].(string)

	redeem := map[string]any{
		"assessmentId":         assessmentID,
		"userId":               buyerID,
		"couponCode":           "SAVE20",
		"clientDeclaredAmount": "75.00",
	}
	code, body := call(t, http.MethodPost, "/api/redeem", readerKey, redeem)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "PriceMismatch", body["error"])

	redeem["clientDeclaredAmount"] = "80.00"
	code, body = call(t, http.MethodPost, "/api/redeem", readerKey, redeem)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, json.Number("80.00"), body["finalPrice"])
	paymentID := body["paymentId"].(string)

	code, body = call(t, http.MethodPost, "/api/payments/"+paymentID+"/complete", readerKey,
		map[string]any{"gatewayPaymentId": "gw-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])

	code, body = call(t, http.MethodPost, "/api/redeem", readerKey, redeem)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_processed", body["status"])

	code, body = call(t, http.MethodGet, "/api/affiliates/"+affiliateID+"/stats", readerKey, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, json.Number("1"), body["totalReferrals"])
	assert.Equal(t, json.Number("10.00"), body["totalEarnings"])

	code, body = call(t, http.MethodGet, "/api/affiliates/"+affiliateID+"/referrals?limit=10", readerKey, nil)
	require.Equal(t, http.StatusOK, code)
	refs := body["referrals"].([]any)
	require.Len(t, refs, 1)
	assert.Equal(t, paymentID, refs[0].(map[string]any)["paymentId"])
}

func TestAdminCouponRequiresScope(t *testing.T) {
	nc := map[string]any{
		"code":               "NEWCODE",
		"discountPercentage": 15,
		"maxUses":            5,
		"expiresAt":          time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}

	code, _ := call(t, http.MethodPost, "/api/admin/coupons", readerKey, nc)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := call(t, http.MethodPost, "/api/admin/coupons", testAPIKey, nc)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "NEWCODE", body["code"])
	assert.Equal(t, json.Number("5"), body["remainingUses"])

	code, _ = call(t, http.MethodPost, "/api/admin/coupons", testAPIKey, nc)
	assert.Equal(t, http.StatusConflict, code)
}
