package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"deal-settlement/internal/config"
	"deal-settlement/internal/server"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	serverInstance    *server.Server
	serverPort        string
	baseURL           string
	client            *http.Client
	dbConnStr         string

	dealID string
}

type apiResponse struct {
	Data  map[string]interface{} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "deal_settlement",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		suite.T().Fatalf("Failed to get container host: %s", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		suite.T().Fatalf("Failed to get mapped port: %s", err)
	}

	cfg := &config.Config{
		DBHost:            host,
		DBPort:            port.Port(),
		DBUser:            "postgres",
		DBPassword:        "password",
		DBName:            "deal_settlement",
		DBSSLMode:         "disable",
		ServerPort:        "0", // Let OS choose a free port
		RateCacheTTL:      time.Minute,
		GatewayTimeout:    5 * time.Second,
		ReconcileInterval: 0,
	}
	suite.dbConnStr = cfg.GetDBConnectionString()

	// Migrations run inside NewServer
	serverInstance, _, err := server.StartServer(cfg)
	if err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}
	suite.serverInstance = serverInstance
	suite.serverPort = serverInstance.GetPort()
	suite.baseURL = serverInstance.GetBaseURL()

	suite.client = &http.Client{
		Timeout: 30 * time.Second,
	}

	if err := suite.waitForServerReady(); err != nil {
		suite.T().Fatalf("Server not ready: %s", err)
	}
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}
	if suite.postgresContainer != nil {
		suite.postgresContainer.Terminate(ctx)
	}
}

// call sends one API request as the given actor and decodes the envelope.
func (suite *IntegrationTestSuite) call(method, path, actor, role, key string, body interface{}) (int, apiResponse) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		suite.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, suite.baseURL+path, reader)
	suite.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
		req.Header.Set("X-Actor-Role", role)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := suite.client.Do(req)
	suite.Require().NoError(err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		suite.T().Logf("Failed to parse response: %s", raw)
	}
	return resp.StatusCode, out
}

func (suite *IntegrationTestSuite) createDeal(key string) (int, apiResponse) {
	return suite.call(http.MethodPost, "/deals", "broker-1", "broker", key, map[string]interface{}{
		"broker_id":    "broker-1",
		"operator_id":  "operator-1",
		"total_amount": 100000,
		"currency":     "EUR",
		"jurisdiction": "DE",
	})
}

func field(data map[string]interface{}, path ...string) interface{} {
	var cur interface{} = data
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// ------------------------------------------------------------------
// Steps below are helpers (non-test methods). They will be executed
// in the order invoked by TestFlow.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	resp, err := suite.client.Get(suite.baseURL + "/health")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var healthResp map[string]interface{}
	err = json.Unmarshal(body, &healthResp)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "healthy", healthResp["status"])
}

func (suite *IntegrationTestSuite) stepCreateDeal() {
	status, resp := suite.createDeal("create-1")
	suite.Require().Equal(http.StatusCreated, status)
	assert.Equal(suite.T(), "initiated", field(resp.Data, "deal", "status"))

	suite.dealID = field(resp.Data, "deal", "id").(string)

	status, resp = suite.createDeal("create-1")
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Equal(suite.T(), suite.dealID, field(resp.Data, "deal", "id"))
	assert.Equal(suite.T(), true, resp.Data["duplicate"])
}

func (suite *IntegrationTestSuite) stepHoldFunds() {
	path := "/deals/" + suite.dealID + "/payments"

	status, resp := suite.call(http.MethodPost, path, "broker-1", "broker", "hold-1", nil)
	suite.Require().Equal(http.StatusCreated, status)
	assert.Equal(suite.T(), "funds_held", field(resp.Data, "deal", "status"))

	status, resp = suite.call(http.MethodPost, path, "broker-1", "broker", "hold-1", nil)
	assert.Equal(suite.T(), http.StatusOK, status)
	assert.Equal(suite.T(), true, resp.Data["duplicate"])
}

func (suite *IntegrationTestSuite) stepPartialRefund() {
	status, resp := suite.call(http.MethodPost, "/deals/"+suite.dealID+"/refunds", "operator-1", "operator", "refund-1",
		map[string]interface{}{"amount": 20000, "reason": "catering not provided"})
	suite.Require().Equal(http.StatusCreated, status)
	assert.Equal(suite.T(), "funds_held", field(resp.Data, "deal", "status"))
	assert.Equal(suite.T(), "credit_note", field(resp.Data, "invoice", "kind"))
}

func (suite *IntegrationTestSuite) stepRefundOverdrawRejected() {
	status, resp := suite.call(http.MethodPost, "/deals/"+suite.dealID+"/refunds", "operator-1", "operator", "refund-2",
		map[string]interface{}{"amount": 80001})
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	if assert.NotNil(suite.T(), resp.Error) {
		assert.Equal(suite.T(), "invariant_violation", resp.Error.Code)
	}
}

func (suite *IntegrationTestSuite) stepRelease() {
	status, resp := suite.call(http.MethodPost, "/deals/"+suite.dealID+"/release", "operator-1", "operator", "release-1", nil)
	assert.Equal(suite.T(), http.StatusForbidden, status)

	status, resp = suite.call(http.MethodPost, "/deals/"+suite.dealID+"/release", "broker-1", "broker", "release-1", nil)
	suite.Require().Equal(http.StatusOK, status)
	assert.Equal(suite.T(), "released", field(resp.Data, "deal", "status"))

	txs := resp.Data["transactions"].([]interface{})
	suite.Require().Len(txs, 2)
	assert.Equal(suite.T(), float64(74400), txs[0].(map[string]interface{})["amount"])
	assert.Equal(suite.T(), float64(5600), txs[1].(map[string]interface{})["amount"])

	number, _ := field(resp.Data, "invoice", "invoice_number").(string)
	assert.True(suite.T(), strings.HasPrefix(number, "DE-"), "invoice number %q", number)
	assert.Equal(suite.T(), float64(15200), field(resp.Data, "invoice", "vat_amount"))
}

func (suite *IntegrationTestSuite) stepLedgerExport() {
	status, resp := suite.call(http.MethodGet, "/deals/"+suite.dealID+"/ledger", "", "", "", nil)
	suite.Require().Equal(http.StatusOK, status)

	assert.Len(suite.T(), resp.Data["transactions"], 5)
	assert.Len(suite.T(), resp.Data["invoices"], 2)
	assert.Equal(suite.T(), true, field(resp.Data, "verification", "valid"))
}

func (suite *IntegrationTestSuite) stepTamperingDetected() {
	db, err := sql.Open("postgres", suite.dbConnStr)
	suite.Require().NoError(err)
	defer db.Close()

	res, err := db.Exec(
		`UPDATE audit_entries SET payload = '{"total_amount":"1"}' WHERE subject_type = 'deal' AND subject_id = $1 AND sequence = 2`,
		suite.dealID)
	suite.Require().NoError(err)
	n, _ := res.RowsAffected()
	suite.Require().Equal(int64(1), n)

	status, resp := suite.call(http.MethodGet, "/deals/"+suite.dealID+"/audit/verify", "", "", "", nil)
	assert.Equal(suite.T(), http.StatusInternalServerError, status)
	if assert.NotNil(suite.T(), resp.Error) {
		assert.Equal(suite.T(), "chain_broken", resp.Error.Code)
		assert.Contains(suite.T(), resp.Error.Details, "entry 2")
	}
}

func (suite *IntegrationTestSuite) stepConcurrentInvoiceNumbers() {
	const n = 10
	deals := make([]string, 0, n)
	for i := 0; i < n; i++ {
		status, resp := suite.createDeal("create-" + uuid.NewString())
		suite.Require().Equal(http.StatusCreated, status)
		id := field(resp.Data, "deal", "id").(string)

		status, _ = suite.call(http.MethodPost, "/deals/"+id+"/payments", "broker-1", "broker", "hold-1", nil)
		suite.Require().Equal(http.StatusCreated, status)
		deals = append(deals, id)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var sequences []int
	for _, id := range deals {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			status, resp := suite.call(http.MethodPost, "/deals/"+id+"/release", "broker-1", "broker", "release-1", nil)
			if status != http.StatusOK {
				return
			}
			number, _ := field(resp.Data, "invoice", "invoice_number").(string)
			seq, err := strconv.Atoi(number[strings.LastIndex(number, "-")+1:])
			if err != nil {
				return
			}
			mu.Lock()
			sequences = append(sequences, seq)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	suite.Require().Len(sequences, n)
	sort.Ints(sequences)
	for i := 1; i < len(sequences); i++ {
		assert.Equal(suite.T(), sequences[i-1]+1, sequences[i], "invoice numbers must be gap-free")
	}
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepCreateDeal()
	suite.stepHoldFunds()
	suite.stepPartialRefund()
	suite.stepRefundOverdrawRejected()
	suite.stepRelease()
	suite.stepLedgerExport()
	suite.stepTamperingDetected()
	suite.stepConcurrentInvoiceNumbers()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
