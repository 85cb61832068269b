package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/types"
)

// StakingRegistryAbi is the subset of the staking registry contract the rebalancer calls.
const StakingRegistryAbi = `[
	{"type":"function","name":"getAllValidatorAddresses","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getValidatorInfo","stateMutability":"view","inputs":[{"name":"validator","type":"address"}],"outputs":[{"name":"commissionRate","type":"uint256"},{"name":"hybridScore","type":"uint256"},{"name":"isActive","type":"bool"}]},
	{"type":"function","name":"getDelegation","stateMutability":"view","inputs":[{"name":"delegator","type":"address"},{"name":"validator","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"delegate","stateMutability":"nonpayable","inputs":[{"name":"validator","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"undelegate","stateMutability":"nonpayable","inputs":[{"name":"validator","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var (
	ErrInvalidEVMConfig    = errors.New("EVM registry config is invalid")
	ErrUnexpectedResult    = errors.New("unexpected contract call result")
	ErrTransactionReverted = errors.New("transaction reverted")
)

// Backend is what the EVM registry needs from a node connection. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type EVMConfig struct {
	Backend            Backend
	Contract           common.Address
	ChainID            *big.Int
	PrivateKey         *ecdsa.PrivateKey
	GasLimitMultiplier float64
}

// EVMRegistry talks to the staking registry contract. Reads are eth_calls; writes are signed
// transactions that count as successful only once mined with a success status.
type EVMRegistry struct {
	backend            Backend
	contract           *bind.BoundContract
	parsedABI          abi.ABI
	address            common.Address
	chainID            *big.Int
	key                *ecdsa.PrivateKey
	delegator          common.Address
	gasLimitMultiplier float64
	logger             zerolog.Logger
}

// DialEVMRegistry connects to rpcURL and builds a registry client signing with hexKey.
func DialEVMRegistry(ctx context.Context, rpcURL string, contract common.Address, chainID uint64, hexKey string, gasLimitMultiplier float64) (*EVMRegistry, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial EVM endpoint %s: %w", rpcURL, err)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		client.Close()
		return nil, errors.Join(ErrInvalidEVMConfig, fmt.Errorf("invalid signer key: %w", err))
	}
	r, err := NewEVMRegistry(EVMConfig{
		Backend:            client,
		Contract:           contract,
		ChainID:            new(big.Int).SetUint64(chainID),
		PrivateKey:         key,
		GasLimitMultiplier: gasLimitMultiplier,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

func NewEVMRegistry(cfg EVMConfig) (*EVMRegistry, error) {
	if cfg.Backend == nil {
		return nil, errors.Join(ErrInvalidEVMConfig, errors.New("backend cannot be nil"))
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.Join(ErrInvalidEVMConfig, errors.New("contract address cannot be zero"))
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.Join(ErrInvalidEVMConfig, errors.New("chain id must be positive"))
	}
	if cfg.PrivateKey == nil {
		return nil, errors.Join(ErrInvalidEVMConfig, errors.New("private key cannot be nil"))
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = 1
	}

	parsedABI, err := abi.JSON(strings.NewReader(StakingRegistryAbi))
	if err != nil {
		return nil, fmt.Errorf("failed to parse staking registry ABI: %w", err)
	}

	r := &EVMRegistry{
		backend:            cfg.Backend,
		contract:           bind.NewBoundContract(cfg.Contract, parsedABI, cfg.Backend, cfg.Backend, cfg.Backend),
		parsedABI:          parsedABI,
		address:            cfg.Contract,
		chainID:            cfg.ChainID,
		key:                cfg.PrivateKey,
		delegator:          crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		gasLimitMultiplier: cfg.GasLimitMultiplier,
		logger:             logger.GetForComponent("evm_registry"),
	}

	r.logger.Info().
		Str("contract", cfg.Contract.Hex()).
		Str("delegator", r.delegator.Hex()).
		Str("chainId", cfg.ChainID.String()).
		Msg("EVM registry client initialized")

	return r, nil
}

// Delegator is the managing account whose delegations the registry reports.
func (r *EVMRegistry) Delegator() common.Address {
	return r.delegator
}

// Close releases the node connection when the backend holds one.
func (r *EVMRegistry) Close() {
	if c, ok := r.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

func (r *EVMRegistry) GetAllValidatorAddresses(ctx context.Context) ([]common.Address, error) {
	var result []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &result, "getAllValidatorAddresses"); err != nil {
		return nil, fmt.Errorf("failed to call getAllValidatorAddresses: %w", err)
	}
	if len(result) == 0 || result[0] == nil {
		return nil, fmt.Errorf("%w: empty result from getAllValidatorAddresses", ErrUnexpectedResult)
	}
	addresses, ok := result[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: getAllValidatorAddresses returned %T", ErrUnexpectedResult, result[0])
	}
	return addresses, nil
}

func (r *EVMRegistry) GetValidatorInfo(ctx context.Context, validator common.Address) (types.Validator, error) {
	opts := &bind.CallOpts{Context: ctx}

	var info []interface{}
	if err := r.contract.Call(opts, &info, "getValidatorInfo", validator); err != nil {
		return types.Validator{}, fmt.Errorf("failed to call getValidatorInfo for %s: %w", validator.Hex(), err)
	}
	v, err := decodeValidatorInfo(validator, info)
	if err != nil {
		return types.Validator{}, err
	}

	var delegation []interface{}
	if err := r.contract.Call(opts, &delegation, "getDelegation", r.delegator, validator); err != nil {
		return types.Validator{}, fmt.Errorf("failed to call getDelegation for %s: %w", validator.Hex(), err)
	}
	if len(delegation) == 0 || delegation[0] == nil {
		return types.Validator{}, fmt.Errorf("%w: empty result from getDelegation for %s", ErrUnexpectedResult, validator.Hex())
	}
	amount, ok := delegation[0].(*big.Int)
	if !ok {
		return types.Validator{}, fmt.Errorf("%w: getDelegation returned %T", ErrUnexpectedResult, delegation[0])
	}
	v.DelegatedAmount = sdkmath.NewIntFromBigInt(amount)

	return v, nil
}

func decodeValidatorInfo(validator common.Address, info []interface{}) (types.Validator, error) {
	if len(info) != 3 {
		return types.Validator{}, fmt.Errorf("%w: getValidatorInfo for %s returned %d values", ErrUnexpectedResult, validator.Hex(), len(info))
	}
	commission, ok := info[0].(*big.Int)
	if !ok || !commission.IsUint64() {
		return types.Validator{}, fmt.Errorf("%w: bad commission rate for %s", ErrUnexpectedResult, validator.Hex())
	}
	hybrid, ok := info[1].(*big.Int)
	if !ok || !hybrid.IsUint64() {
		return types.Validator{}, fmt.Errorf("%w: bad hybrid score for %s", ErrUnexpectedResult, validator.Hex())
	}
	active, ok := info[2].(bool)
	if !ok {
		return types.Validator{}, fmt.Errorf("%w: bad active flag for %s", ErrUnexpectedResult, validator.Hex())
	}
	return types.Validator{
		Address:         validator,
		DelegatedAmount: sdkmath.ZeroInt(),
		CommissionRate:  commission.Uint64(),
		HybridScore:     hybrid.Uint64(),
		IsActive:        active,
	}, nil
}

func (r *EVMRegistry) Delegate(ctx context.Context, validator common.Address, amount sdkmath.Int) error {
	if err := r.transact(ctx, "delegate", validator, amount); err != nil {
		return errors.Join(ErrDelegateFailed, err)
	}
	return nil
}

func (r *EVMRegistry) Undelegate(ctx context.Context, validator common.Address, amount sdkmath.Int) error {
	if err := r.transact(ctx, "undelegate", validator, amount); err != nil {
		return errors.Join(ErrUndelegateFailed, err)
	}
	return nil
}

// transact sends one registry write and blocks until it is mined.
func (r *EVMRegistry) transact(ctx context.Context, method string, validator common.Address, amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount
	}

	opts, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	gasLimit, err := r.estimateGas(ctx, method, validator, amount)
	if err != nil {
		return err
	}
	opts.GasLimit = gasLimit

	tx, err := r.contract.Transact(opts, method, validator, amount.BigInt())
	if err != nil {
		return fmt.Errorf("failed to send %s for %s: %w", method, validator.Hex(), err)
	}

	r.logger.Info().
		Str("method", method).
		Str("validator", validator.Hex()).
		Str("amount", amount.String()).
		Str("tx", tx.Hash().Hex()).
		Msg("Registry transaction sent, waiting for receipt")

	receipt, err := bind.WaitMined(ctx, r.backend, tx)
	if err != nil {
		return fmt.Errorf("failed waiting for %s tx %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s tx %s in block %s", ErrTransactionReverted, method, tx.Hash().Hex(), receipt.BlockNumber)
	}
	return nil
}

func (r *EVMRegistry) estimateGas(ctx context.Context, method string, validator common.Address, amount sdkmath.Int) (uint64, error) {
	data, err := r.parsedABI.Pack(method, validator, amount.BigInt())
	if err != nil {
		return 0, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	estimate, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: r.delegator,
		To:   &r.address,
		Data: data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas for %s: %w", method, err)
	}
	return uint64(float64(estimate) * r.gasLimitMultiplier), nil
}
