package avr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/executor"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

var (
	ErrCycleInProgress  = errors.New("a rebalance cycle is already in progress")
	ErrPaused           = errors.New("rebalancing is paused")
	ErrUnauthorized     = errors.New("caller is not the operator")
	ErrInvalidConfig    = errors.New("manager configuration is invalid")
	ErrInvalidThreshold = errors.New("invalid threshold")
)

// CycleRecorder numbers and persists decision cycles.
type CycleRecorder interface {
	NextCycleNumber(ctx context.Context) (int, error)
	RecordCycle(ctx context.Context, snapshot types.CycleSnapshot) (int64, error)
}

// LedgerStore persists the ledger after every execution.
type LedgerStore interface {
	SaveLedger(ctx context.Context, records []types.DelegationRecord, parked sdkmath.Int) error
}

// ParameterStore persists every operator change to the policy parameters as a new version.
type ParameterStore interface {
	SavePolicyParameters(ctx context.Context, params types.PolicyParameters, updatedBy common.Address) (int64, error)
}

// MetricsSink receives the manager's observations. *metrics.Metrics implements it.
type MetricsSink interface {
	executor.StepObserver
	ObserveCycle(outcome types.CycleOutcome, duration time.Duration)
	SetBlendedYield(yieldBps sdkmath.LegacyDec)
	SetManagedCapital(amount sdkmath.Int)
	SetStale(stale bool)
	SetPaused(paused bool)
}

// Config holds the dependencies of a Manager. Recorder, LedgerStore, ParameterStore and Metrics
// are optional.
type Config struct {
	Registry       registry.RegistryView
	Ledger         ledger.Ledger
	Params         *types.PolicyParameters
	PolicyParamsID *int64
	Operator       common.Address
	Denom          string

	Recorder       CycleRecorder
	LedgerStore    LedgerStore
	ParameterStore ParameterStore
	Metrics        MetricsSink
}

// Manager is the autonomous validator rebalancer. It serializes decision cycles, guards
// operator-only operations and wires the policy, planner and executor together.
type Manager struct {
	logger   zerolog.Logger
	registry registry.RegistryView
	ledger   ledger.Ledger
	executor *executor.Executor
	operator common.Address
	denom    string

	recorder    CycleRecorder
	ledgerStore LedgerStore
	paramStore  ParameterStore
	metrics     MetricsSink

	paramsMu sync.RWMutex
	params   types.PolicyParameters
	paramsID *int64

	inProgress atomic.Bool
	paused     atomic.Bool
	deferred   atomic.Bool  // Last executed plan left moves for a later cycle
	cycleCount atomic.Int64 // Used when no recorder numbers the cycles
}

func NewManager(cfg Config) (*Manager, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	var observer executor.StepObserver
	if cfg.Metrics != nil {
		observer = cfg.Metrics
	}
	exec, err := executor.NewExecutor(cfg.Registry, cfg.Ledger, cfg.Denom, observer)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	m := &Manager{
		logger:      logger.GetForComponent("avr_core"),
		registry:    cfg.Registry,
		ledger:      cfg.Ledger,
		executor:    exec,
		operator:    cfg.Operator,
		denom:       cfg.Denom,
		recorder:    cfg.Recorder,
		ledgerStore: cfg.LedgerStore,
		paramStore:  cfg.ParameterStore,
		metrics:     cfg.Metrics,
		params:      *cfg.Params,
		paramsID:    cfg.PolicyParamsID,
	}

	if m.metrics != nil {
		m.metrics.SetPaused(false)
		m.metrics.SetManagedCapital(ledger.ManagedCapital(m.ledger))
	}

	m.logger.Info().
		Str("operator", m.operator.Hex()).
		Str("denom", m.denom).
		Bool("persistent", m.recorder != nil).
		Msg("AVR manager created")

	return m, nil
}

func validateConfig(cfg Config) error {
	if cfg.Registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	if cfg.Ledger == nil {
		return fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Params == nil {
		return fmt.Errorf("policy parameters cannot be nil")
	}
	if err := analyzer.ValidatePolicyParameters(*cfg.Params); err != nil {
		return err
	}
	if cfg.Operator == (common.Address{}) {
		return fmt.Errorf("operator address cannot be the zero address")
	}
	if cfg.Denom == "" {
		return fmt.Errorf("denom cannot be empty")
	}
	return nil
}

// Params returns a copy of the policy parameters in force.
func (m *Manager) Params() types.PolicyParameters {
	p, _ := m.currentParams()
	return p
}

func (m *Manager) currentParams() (types.PolicyParameters, *int64) {
	m.paramsMu.RLock()
	defer m.paramsMu.RUnlock()
	return m.params, m.paramsID
}

func (m *Manager) Operator() common.Address { return m.operator }
func (m *Manager) Paused() bool            { return m.paused.Load() }
func (m *Manager) InProgress() bool        { return m.inProgress.Load() }

// LedgerState returns the ledger's delegation records and parked capital.
func (m *Manager) LedgerState() ([]types.DelegationRecord, sdkmath.Int) {
	return m.ledger.Entries(), m.ledger.Parked()
}

func (m *Manager) authorize(caller common.Address) error {
	if caller != m.operator {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// acquire takes the in-progress guard. A paused manager starts nothing new.
func (m *Manager) acquire() error {
	if m.paused.Load() {
		return ErrPaused
	}
	if !m.inProgress.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	return nil
}

func (m *Manager) release() {
	m.inProgress.Store(false)
}

// ledgerSnapshot lists the ledger records, with parked capital as a zero-address record.
func ledgerSnapshot(l ledger.Ledger) []types.DelegationRecord {
	records := l.Entries()
	if parked := l.Parked(); parked.IsPositive() {
		records = append(records, types.DelegationRecord{Validator: types.ParkedCapital, Amount: parked})
	}
	return records
}
