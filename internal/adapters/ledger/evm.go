// Package ledger provides LedgerGateway implementations: an EVM smart
// contract gateway and an in-memory ledger for local runs.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

// Reward transaction results for metrics.
const (
	txConfirmed = "confirmed"
	txReverted  = "reverted"
	txFailed    = "failed"
)

const gasBufferPercent = 20

var errBroadcastUnknown = errors.New("reward broadcast outcome unknown")

// Backend is the subset of an Ethereum RPC client the gateway needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.DeployBackend
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMOption configures an EVM gateway.
type EVMOption func(*EVM)

// WithGasLimit fixes the gas limit of reward transactions. Zero estimates it.
func WithGasLimit(limit uint64) EVMOption {
	return func(g *EVM) {
		g.gasLimit = limit
	}
}

// WithEVMLogger sets the logger.
func WithEVMLogger(l logger.Logger) EVMOption {
	return func(g *EVM) {
		if l != nil {
			g.log = l
		}
	}
}

// EVM talks to the rewards contract. The signing key is the single shared
// credential for reward transactions; sends are serialized so nonces never
// collide, while confirmation waits run concurrently.
type EVM struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	gasLimit uint64
	log      logger.Logger
	closer   func()

	sendMu    sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// NewEVM creates a gateway over backend for the contract at contractAddr,
// signing with the hex encoded privateKey.
func NewEVM(backend Backend, contractAddr, privateKey string, chainID int64, opts ...EVMOption) (*EVM, error) {
	if backend == nil {
		return nil, errors.New("nil ledger backend")
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(RewardsContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to load rewards ABI: %w", err)
	}

	id := big.NewInt(chainID)
	g := &EVM{
		backend:  backend,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.Named("ledger")
	}
	return g, nil
}

// DialEVM connects to rpcURL and creates a gateway over it.
func DialEVM(ctx context.Context, rpcURL, contractAddr, privateKey string, chainID int64, opts ...EVMOption) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}
	g, err := NewEVM(client, contractAddr, privateKey, chainID, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	g.closer = client.Close
	return g, nil
}

// Close releases the RPC connection when the gateway dialed it.
func (g *EVM) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// From returns the account that signs reward transactions.
func (g *EVM) From() common.Address { return g.from }

// CheckQuota reads isUserMaxSubmissionsReached. It never sends a transaction.
func (g *EVM) CheckQuota(ctx context.Context, address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: invalid address %q", submission.ErrLedgerUnavailable, address)
	}
	data, err := g.abi.Pack(methodQuota, common.HexToAddress(address))
	if err != nil {
		return fmt.Errorf("%w: pack %s: %w", submission.ErrLedgerUnavailable, methodQuota, err)
	}

	result, err := g.backend.CallContract(ctx, ethereum.CallMsg{From: g.from, To: &g.contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("%w: call %s: %w", submission.ErrLedgerUnavailable, methodQuota, err)
	}

	out, err := g.abi.Unpack(methodQuota, result)
	if err != nil || len(out) != 1 {
		return fmt.Errorf("%w: unpack %s: %v", submission.ErrLedgerUnavailable, methodQuota, err)
	}
	reached, ok := out[0].(bool)
	if !ok {
		return fmt.Errorf("%w: unexpected %s result %T", submission.ErrLedgerUnavailable, methodQuota, out[0])
	}
	if reached {
		return submission.ErrQuotaExceeded
	}
	return nil
}

// IssueReward sends registerValidSubmission(address, amount) and waits for it
// to be mined. Every failure is reported as false.
func (g *EVM) IssueReward(ctx context.Context, address string, amount *big.Int) bool {
	return g.IssueRewardStatus(ctx, address, amount) == submission.RewardConfirmed
}

// IssueRewardStatus is IssueReward reporting how the attempt ended. A send
// cut off by ctx, or a sent transaction not seen mined before ctx expires,
// is RewardUnconfirmed.
func (g *EVM) IssueRewardStatus(ctx context.Context, address string, amount *big.Int) submission.RewardStatus {
	log := g.log
	if amount != nil {
		log = log.With(logger.String("amount", amount.String()))
	}
	start := time.Now()

	tx, err := g.send(ctx, address, amount)
	if err != nil {
		metrics.RecordRewardTransaction(txFailed)
		metrics.RecordErrorByComponent("ledger", "send")
		if errors.Is(err, errBroadcastUnknown) {
			log.Error(ctx, "reward transaction may have been sent", logger.Error(err))
			return submission.RewardUnconfirmed
		}
		log.Error(ctx, "reward transaction not sent", logger.Error(err))
		return submission.RewardNotSent
	}
	log = log.With(logger.String("tx_hash", tx.Hash().Hex()))
	log.Info(ctx, "reward transaction sent", logger.Int64("nonce", int64(tx.Nonce())), logger.Int64("gas_limit", int64(tx.Gas())))

	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		metrics.RecordRewardTransaction(txFailed)
		metrics.RecordErrorByComponent("ledger", "wait_mined")
		log.Error(ctx, "reward transaction not confirmed", logger.Duration("elapsed", time.Since(start)), logger.Error(err))
		return submission.RewardUnconfirmed
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.RecordRewardTransaction(txReverted)
		log.Warn(ctx, "reward transaction reverted", logger.Any("block", receipt.BlockNumber))
		return submission.RewardReverted
	}

	metrics.RecordRewardTransaction(txConfirmed)
	log.Info(ctx, "reward transaction confirmed",
		logger.Any("block", receipt.BlockNumber),
		logger.Int64("gas_used", int64(receipt.GasUsed)),
		logger.Duration("elapsed", time.Since(start)))
	return submission.RewardConfirmed
}

// send builds, signs and submits the reward transaction.
func (g *EVM) send(ctx context.Context, address string, amount *big.Int) (*types.Transaction, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("reward amount must be positive")
	}
	data, err := g.abi.Pack(methodReward, common.HexToAddress(address), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", methodReward, err)
	}

	gasLimit := g.gasLimit
	if gasLimit == 0 {
		estimated, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: g.from, To: &g.contract, Data: data})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gasLimit = estimated + estimated*gasBufferPercent/100
	}

	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	if g.haveNonce && g.nextNonce > nonce {
		nonce = g.nextNonce
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, g.signer, g.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		// The node may have accepted a transaction whose reply was cut off.
		// The nonce is not advanced; PendingNonceAt will count it if it landed.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errBroadcastUnknown, err)
		}
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	g.nextNonce = nonce + 1
	g.haveNonce = true
	return signed, nil
}
