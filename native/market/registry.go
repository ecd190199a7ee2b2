package market

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"pulsemarket/core/events"
	"pulsemarket/core/types"
)

const maxMarketIDLength = 128

// registryState persists the market enumeration index.
type registryState interface {
	MarketIDs() ([]string, error)
	MarketIDsAppend(id string) error
}

// RegistryConfig seeds the defaults applied to markets created without
// per-market overrides.
type RegistryConfig struct {
	DefaultAlpha *big.Int
	Curve        CurveParams
	Fees         FeeParams
	OracleSource string
}

// Validate reports whether the configuration is internally consistent.
func (c RegistryConfig) Validate() error {
	if c.DefaultAlpha == nil || c.DefaultAlpha.Sign() <= 0 {
		return fmt.Errorf("%w: default alpha must be positive", ErrInvalidParams)
	}
	if err := c.Curve.Validate(); err != nil {
		return err
	}
	return c.Fees.Validate()
}

// CreateParams describes a market creation request. Alpha, Curve and Fees are
// optional overrides; nil falls back to the registry defaults.
type CreateParams struct {
	ID       string
	Theta    *big.Int
	Alpha    *big.Int
	Deadline int64
	Curve    *CurveParams
	Fees     *FeeParams
}

// Registry is the operator surface: it owns creation defaults, the market
// index, oracle binding and fee custody. All markets it creates share one
// engine.
type Registry struct {
	mu           sync.RWMutex
	engine       *Engine
	state        registryState
	emitter      events.Emitter
	addr         [20]byte
	defaultAlpha *big.Int
	curve        CurveParams
	fees         FeeParams
	oracleSource string
}

// NewRegistry wires a registry around the given engine. Bootstrap must run
// before markets can be created.
func NewRegistry(engine *Engine) *Registry {
	return &Registry{
		engine:  engine,
		emitter: events.NoopEmitter{},
		addr:    RegistryAddress(),
	}
}

// SetState configures the index persistence backend.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(event *types.Event) {
	if r == nil || r.emitter == nil || event == nil {
		return
	}
	r.emitter.Emit(marketEvent{evt: event})
}

// Address returns the registry's fee custody identity.
func (r *Registry) Address() [20]byte { return r.addr }

// Bootstrap installs the creation defaults. It may be called again to replace
// them wholesale; individual knobs have dedicated setters.
func (r *Registry) Bootstrap(cfg RegistryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultAlpha = new(big.Int).Set(cfg.DefaultAlpha)
	r.curve = cfg.Curve.Clone()
	r.fees = cfg.Fees.Clone()
	r.oracleSource = cfg.OracleSource
	return nil
}

// NormalizeMarketID trims and NFC-normalizes a raw market identifier so that
// visually identical ids map to one market record.
func NormalizeMarketID(raw string) (string, error) {
	id := norm.NFC.String(strings.TrimSpace(raw))
	if id == "" {
		return "", fmt.Errorf("%w: market id required", ErrInvalidParams)
	}
	if len(id) > maxMarketIDLength {
		return "", fmt.Errorf("%w: market id exceeds %d bytes", ErrInvalidParams, maxMarketIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: market id contains control characters", ErrInvalidParams)
		}
	}
	return id, nil
}

// CreateMarket validates the request, fills unset knobs from the registry
// defaults and registers the market with the engine. The id lands in the
// enumeration index once the engine accepts it.
func (r *Registry) CreateMarket(params CreateParams) (*Market, error) {
	if r == nil || r.engine == nil {
		return nil, fmt.Errorf("market registry not configured")
	}
	if r.state == nil {
		return nil, fmt.Errorf("market registry state not configured")
	}
	id, err := NormalizeMarketID(params.ID)
	if err != nil {
		return nil, err
	}
	if params.Theta == nil || params.Theta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: theta must be positive", ErrInvalidParams)
	}

	r.mu.RLock()
	alpha := cloneBigInt(r.defaultAlpha)
	curve := r.curve.Clone()
	fees := r.fees.Clone()
	r.mu.RUnlock()
	if alpha == nil || alpha.Sign() == 0 {
		return nil, fmt.Errorf("market registry not bootstrapped")
	}
	if params.Alpha != nil {
		if params.Alpha.Sign() <= 0 {
			return nil, fmt.Errorf("%w: alpha must be positive", ErrInvalidParams)
		}
		alpha = new(big.Int).Set(params.Alpha)
	}
	if params.Curve != nil {
		if err := params.Curve.Validate(); err != nil {
			return nil, err
		}
		curve = params.Curve.Clone()
	}
	if params.Fees != nil {
		if err := params.Fees.Validate(); err != nil {
			return nil, err
		}
		fees = params.Fees.Clone()
	}

	m, err := r.engine.CreateMarket(id, params.Theta, alpha, params.Deadline, curve, fees)
	if err != nil {
		return nil, err
	}
	if err := r.state.MarketIDsAppend(m.ID); err != nil {
		return nil, fmt.Errorf("index market %s: %w", m.ID, err)
	}
	return m, nil
}

// Get resolves a market by raw id, applying the same normalization as
// creation.
func (r *Registry) Get(rawID string) (*Market, error) {
	if r == nil || r.engine == nil {
		return nil, fmt.Errorf("market registry not configured")
	}
	id, err := NormalizeMarketID(rawID)
	if err != nil {
		return nil, err
	}
	return r.engine.Market(id)
}

// List returns every registered market id in creation order.
func (r *Registry) List() ([]string, error) {
	if r == nil || r.state == nil {
		return nil, fmt.Errorf("market registry not configured")
	}
	return r.state.MarketIDs()
}

// Markets returns full records for every registered market in creation
// order.
func (r *Registry) Markets() ([]*Market, error) {
	ids, err := r.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Market, 0, len(ids))
	for _, id := range ids {
		m, err := r.engine.Market(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// BindOracle points the engine at a new score source. The source label is
// informational and lands in the rebind event.
func (r *Registry) BindOracle(oracle ScoreOracle, source string) error {
	if r == nil || r.engine == nil {
		return fmt.Errorf("market registry not configured")
	}
	if oracle == nil {
		return fmt.Errorf("%w: oracle required", ErrInvalidParams)
	}
	r.engine.SetOracle(oracle)
	r.mu.Lock()
	r.oracleSource = source
	r.mu.Unlock()
	r.emit(NewOracleReboundEvent(source))
	return nil
}

// OracleSource reports the label of the currently bound score source.
func (r *Registry) OracleSource() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.oracleSource
}

// SetDefaultAlpha replaces the threshold multiplier applied to future
// markets. Existing markets keep the alpha they were created with.
func (r *Registry) SetDefaultAlpha(alpha *big.Int) error {
	if alpha == nil || alpha.Sign() <= 0 {
		return fmt.Errorf("%w: alpha must be positive", ErrInvalidParams)
	}
	r.mu.Lock()
	r.defaultAlpha = new(big.Int).Set(alpha)
	r.mu.Unlock()
	r.emit(NewAlphaUpdatedEvent(alpha))
	return nil
}

// DefaultAlpha returns the current default threshold multiplier.
func (r *Registry) DefaultAlpha() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneBigInt(r.defaultAlpha)
}

// WithdrawFees sweeps a market's accrued protocol fees into the registry
// account.
func (r *Registry) WithdrawFees(rawID string) (*big.Int, error) {
	if r == nil || r.engine == nil {
		return nil, fmt.Errorf("market registry not configured")
	}
	id, err := NormalizeMarketID(rawID)
	if err != nil {
		return nil, err
	}
	return r.engine.WithdrawFees(r.addr, id)
}
