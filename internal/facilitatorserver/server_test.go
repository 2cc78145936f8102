package facilitatorserver

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/x402-go/x402/internal/config"
	"github.com/x402-go/x402/mechanisms/evm/chainadapter"
	"github.com/x402-go/x402/pkg/eip712"
	"github.com/x402-go/x402/pkg/types"
)

const testFacilitatorKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
const testPayerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type fakeEthClient struct {
	balance  *big.Int
	callErr  error
	receipt  *ethtypes.Receipt
	gasLimit uint64
}

func (f *fakeEthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeEthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	packed := make([]byte, 32)
	if f.balance != nil {
		f.balance.FillBytes(packed)
	}
	return packed, nil
}
func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{BaseFee: big.NewInt(1_000_000_000)}, nil
}
func (f *fakeEthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gasLimit, nil
}
func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return nil
}
func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if f.receipt != nil {
		return f.receipt, nil
	}
	return nil, ethereum.NotFound
}

func newTestServer(t *testing.T, client *fakeEthClient) *Server {
	t.Helper()
	original := chainadapter.NewEthClient
	chainadapter.NewEthClient = func(rpcURL string) (chainadapter.EthClient, error) { return client, nil }
	t.Cleanup(func() { chainadapter.NewEthClient = original })

	cfg := &config.Config{
		PrivateKey:       testFacilitatorKey,
		Port:             4020,
		RateLimit:        1000,
		RateLimitEnabled: false,
		MetricsEnabled:   true,
		RPCURLs:          map[string]string{"base-sepolia": "http://fake"},
		NativeUSDRate:    3000,
	}
	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func signedPayload(t *testing.T, network_, asset string, payTo string, value string) types.PaymentPayload {
	t.Helper()
	privateKey, err := crypto.HexToECDSA(testPayerKey)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(privateKey.PublicKey).Hex()

	auth := types.Authorization{
		From:        from,
		To:          payTo,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x0011223344556677889900112233445566778899001122334455667788990abc",
	}
	digest, err := eip712.HashAuthorization(auth, big.NewInt(84532), asset, "USD Coin", "2")
	require.NoError(t, err)
	sig, err := eip712.Sign(digest, privateKey)
	require.NoError(t, err)

	return types.PaymentPayload{
		X402Version: types.CurrentVersion,
		Scheme:      types.SchemeExact,
		Network:     network_,
		Payload: types.ExactPayload{
			Signature:     "0x" + bytesToHex(sig),
			Authorization: auth,
		},
	}
}

func bytesToHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[2*i] = hexDigits[c>>4]
		out[2*i+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func testRequirements(payTo string) types.PaymentRequirements {
	return types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "1000",
		Resource:          "/widgets",
		PayTo:             payTo,
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsOperatingAddress(t *testing.T) {
	server := newTestServer(t, &fakeEthClient{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["facilitator"])
}

func TestSupportedListsEveryNetworkTwice(t *testing.T) {
	server := newTestServer(t, &fakeEthClient{})
	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	var out types.SupportedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Kinds, 10) // 5 networks x {exact, upto}
}

func TestVerifyAcceptsAWellFormedPayment(t *testing.T) {
	server := newTestServer(t, &fakeEthClient{balance: big.NewInt(1_000_000)})
	payTo := "0x2222222222222222222222222222222222222222"
	requirements := testRequirements(payTo)
	payload := signedPayload(t, "base-sepolia", requirements.Asset, payTo, "1000")

	rec := doJSON(t, server, http.MethodPost, "/verify", requestBody{
		X402Version:         types.CurrentVersion,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out types.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.IsValid, "invalid reason: %s", out.InvalidReason)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	server := newTestServer(t, &fakeEthClient{balance: big.NewInt(1_000_000)})
	payTo := "0x2222222222222222222222222222222222222222"
	requirements := testRequirements(payTo)
	payload := signedPayload(t, "base-sepolia", requirements.Asset, payTo, "1000")

	body := requestBody{X402Version: types.CurrentVersion, PaymentPayload: &payload, PaymentRequirements: &requirements}
	first := doJSON(t, server, http.MethodPost, "/verify", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, server, http.MethodPost, "/verify", body)
	var out types.VerifyResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &out))
	require.False(t, out.IsValid)
	require.Equal(t, "nonce_already_used_replay_detected", out.InvalidReason)
}

func TestSettleSubmitsAndReportsSuccess(t *testing.T) {
	client := &fakeEthClient{
		balance:  big.NewInt(1_000_000),
		gasLimit: 60000,
		receipt:  &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, GasUsed: 45000, BlockNumber: big.NewInt(100)},
	}
	server := newTestServer(t, client)
	payTo := "0x2222222222222222222222222222222222222222"
	requirements := testRequirements(payTo)
	payload := signedPayload(t, "base-sepolia", requirements.Asset, payTo, "1000")

	rec := doJSON(t, server, http.MethodPost, "/settle", requestBody{
		X402Version:         types.CurrentVersion,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out types.SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.TxHash)

	status := doJSON(t, server, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, status.Code)
}

func TestEstimateGasReturnsACostFigure(t *testing.T) {
	client := &fakeEthClient{balance: big.NewInt(1_000_000), gasLimit: 60000}
	server := newTestServer(t, client)
	payTo := "0x2222222222222222222222222222222222222222"
	requirements := testRequirements(payTo)
	payload := signedPayload(t, "base-sepolia", requirements.Asset, payTo, "1000")

	rec := doJSON(t, server, http.MethodPost, "/estimate-gas", requestBody{
		X402Version:         types.CurrentVersion,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var out estimateGasResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Empty(t, out.Error)
	require.NotEmpty(t, out.GasEstimate)
}
