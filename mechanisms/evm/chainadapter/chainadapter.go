// Package chainadapter wraps an EVM RPC endpoint with the handful of
// operations the verifier and settler need: reading a token balance,
// dry-running a transferWithAuthorization call, submitting it for
// real, and waiting for its receipt.
package chainadapter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402-go/x402/pkg/types"
)

var transferWithAuthorizationABI = mustParseABI(`[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

var balanceOfABI = mustParseABI(`[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chainadapter: invalid embedded ABI: %v", err))
	}
	return parsed
}

// EthClient is the subset of *ethclient.Client the adapter needs,
// narrowed to an interface so tests can substitute a fake.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// NewEthClient dials rpcURL. Overridable so tests can substitute a fake.
var NewEthClient = func(rpcURL string) (EthClient, error) {
	return ethclient.Dial(rpcURL)
}

// Adapter is a chain adapter bound to one network and one operating
// key. The operating key submits settlement transactions; it never
// needs to hold the payer's funds.
type Adapter struct {
	client     EthClient
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// New dials rpcURL and binds the operating key (hex-encoded, with or
// without "0x" prefix) for chainID.
func New(rpcURL string, chainID *big.Int, operatingKeyHex string) (*Adapter, error) {
	client, err := NewEthClient(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(operatingKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operating key: %w", err)
	}

	return &Adapter{
		client:     client,
		chainID:    chainID,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// OperatingAddress returns the address that will submit settlement
// transactions.
func (a *Adapter) OperatingAddress() string {
	return a.address.Hex()
}

// FeeEstimate is the EIP-1559 fee parameters and gas limit a
// settlement (or /estimate-gas) would use.
type FeeEstimate struct {
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasLimit  uint64
}

// Receipt is the settlement outcome read back from the chain.
type Receipt struct {
	Success     bool
	TxHash      string
	GasUsed     uint64
	BlockNumber uint64
}

// IsRetryable classifies an RPC/submission error per spec §4.6: errors
// mentioning "nonce" or "insufficient" are excluded from retry because
// retrying cannot fix them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nonce") || strings.Contains(msg, "insufficient") {
		return false
	}
	return true
}

func packTransfer(auth types.Authorization, signature []byte) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)
	}

	nonceHex := strings.TrimPrefix(auth.Nonce, "0x")
	nonceBytes := common.FromHex("0x" + nonceHex)
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("nonce must decode to 32 bytes, got %d", len(nonceBytes))
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	if len(signature) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v == 0 || v == 1 {
		v += 27
	}

	return transferWithAuthorizationABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
}

// BalanceOf reads the payer's token balance, used by the verifier to
// reject a payment the payer cannot actually cover.
func (a *Adapter) BalanceOf(ctx context.Context, tokenAddress, account string) (*big.Int, error) {
	data, err := balanceOfABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	token := common.HexToAddress(tokenAddress)
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	outputs, err := balanceOfABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", outputs[0])
	}
	return balance, nil
}

// Simulate dry-runs transferWithAuthorization via eth_call, without
// submitting a transaction. A non-nil error means the call would
// revert; the operating key never risks funds finding that out.
func (a *Adapter) Simulate(ctx context.Context, tokenAddress string, auth types.Authorization, signature []byte) error {
	data, err := packTransfer(auth, signature)
	if err != nil {
		return fmt.Errorf("pack transferWithAuthorization: %w", err)
	}

	token := common.HexToAddress(tokenAddress)
	_, err = a.client.CallContract(ctx, ethereum.CallMsg{From: a.address, To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("simulate transferWithAuthorization: %w", err)
	}
	return nil
}

// EstimateFee computes the EIP-1559 fee parameters and gas limit a
// real submission would use, per the 2*baseFee+tip formula and a 20%
// gas buffer.
func (a *Adapter) EstimateFee(ctx context.Context, tokenAddress string, auth types.Authorization, signature []byte) (FeeEstimate, error) {
	data, err := packTransfer(auth, signature)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	token := common.HexToAddress(tokenAddress)

	gasTipCap, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("suggest gas tip cap: %w", err)
	}

	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("fetch latest header: %w", err)
	}
	if header.BaseFee == nil {
		return FeeEstimate{}, fmt.Errorf("network does not report a base fee (not EIP-1559)")
	}
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: a.address, To: &token, Data: data})
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	return FeeEstimate{GasTipCap: gasTipCap, GasFeeCap: gasFeeCap, GasLimit: gasLimit}, nil
}

// Submit signs and sends a transferWithAuthorization transaction,
// returning its hash immediately without waiting for a receipt.
func (a *Adapter) Submit(ctx context.Context, tokenAddress string, auth types.Authorization, signature []byte) (string, error) {
	data, err := packTransfer(auth, signature)
	if err != nil {
		return "", fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	token := common.HexToAddress(tokenAddress)

	fee, err := a.EstimateFee(ctx, tokenAddress, auth, signature)
	if err != nil {
		return "", err
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return "", fmt.Errorf("fetch pending nonce: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: fee.GasTipCap,
		GasFeeCap: fee.GasFeeCap,
		Gas:       fee.GasLimit,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signer := ethtypes.NewLondonSigner(a.chainID)
	signedTx, err := ethtypes.SignTx(tx, signer, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls for exactly one confirmation of txHash, up to
// timeout, matching spec §4.6's "await exactly one confirmation" step.
func (a *Adapter) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	hash := common.HexToHash(txHash)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const pollInterval = 500 * time.Millisecond
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return Receipt{
				Success:     receipt.Status == ethtypes.ReceiptStatusSuccessful,
				TxHash:      txHash,
				GasUsed:     receipt.GasUsed,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		}

		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
