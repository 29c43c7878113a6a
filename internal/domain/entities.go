package domain

import "github.com/shopspring/decimal"

// Broker is a connectable venue: its capability configuration and adapter tag.
type Broker struct {
	AuditTrailer
	ID            int64          `json:"id"`
	BrokerCode    string         `json:"broker_code"`
	BrokerName    string         `json:"broker_name"`
	AdapterClass  string         `json:"adapter_class"`
	Capabilities  BrokerCapabilities `json:"capabilities"`
	Status        string         `json:"status"`
}

// BrokerCapabilities is the nested capability config for a Broker.
type BrokerCapabilities struct {
	SupportedExchanges []string                    `json:"supported_exchanges"`
	SupportedProducts  []string                    `json:"supported_products"`
	LotSizes           map[string]decimal.Decimal  `json:"lot_sizes,omitempty"` // per-symbol
	MarginRules        map[string]decimal.Decimal  `json:"margin_rules,omitempty"`
	RateLimitPerMinute int                          `json:"rate_limit_per_minute"`
}

// RiskPolicy bounds a UserBroker's trading activity.
type RiskPolicy struct {
	CapitalAllocated decimal.Decimal `json:"capital_allocated"`
	MaxExposure      decimal.Decimal `json:"max_exposure"`
	PerTradeCap      decimal.Decimal `json:"per_trade_cap"`
	MaxOpenTrades    int             `json:"max_open_trades"`
	AllowSymbols     []string        `json:"allow_symbols,omitempty"` // empty = no allow-list restriction
	BlockSymbols     []string        `json:"block_symbols,omitempty"`
	AllowedProducts  []string        `json:"allowed_products,omitempty"`
	DailyLossCap     decimal.Decimal `json:"daily_loss_cap"`
	WeeklyLossCap    decimal.Decimal `json:"weekly_loss_cap"`
	CooldownMinutes  int             `json:"cooldown_minutes"`
}

// Allows reports whether symbol passes the allow/block lists.
func (p RiskPolicy) Allows(symbol string) bool {
	for _, blocked := range p.BlockSymbols {
		if blocked == symbol {
			return false
		}
	}
	if len(p.AllowSymbols) == 0 {
		return true
	}
	for _, allowed := range p.AllowSymbols {
		if allowed == symbol {
			return true
		}
	}
	return false
}

// UserBroker links a user to a broker with a role, credentials, and risk policy.
type UserBroker struct {
	AuditTrailer
	ID                int64            `json:"id"`
	UserID            int64            `json:"user_id"`
	UserStatus        UserStatus       `json:"user_status"`
	BrokerID          int64            `json:"broker_id"`
	Role              UserBrokerRole   `json:"role"`
	CredentialsBlob   []byte           `json:"-"`
	Connected         bool             `json:"connected"`
	LastConnected     *int64           `json:"last_connected,omitempty"` // unix micros
	ConnectionError   string           `json:"connection_error,omitempty"`
	Risk              RiskPolicy       `json:"risk"`
	Status            UserBrokerStatus `json:"status"`
	Enabled           bool             `json:"enabled"`
}

// EligibleForFanout reports whether this user-broker link should receive
// a fan-out copy of a signal on the given symbol.
func (ub UserBroker) EligibleForFanout(symbol string) bool {
	return ub.Role == RoleExec &&
		ub.Enabled &&
		ub.Status == UserBrokerStatusActive &&
		ub.UserStatus == UserStatusActive &&
		ub.Risk.Allows(symbol)
}

// UserBrokerSession is an OAuth-derived access token lifecycle row.
type UserBrokerSession struct {
	AuditTrailer
	ID             int64         `json:"id"`
	UserBrokerID   int64         `json:"user_broker_id"`
	AccessToken    string        `json:"-"`
	TokenValidTill int64         `json:"token_valid_till"` // unix micros
	Status         SessionStatus `json:"session_status"`
	StartedAt      int64         `json:"started_at"`
	EndedAt        *int64        `json:"ended_at,omitempty"`
}

// Portfolio is a per-user named capital pool.
type Portfolio struct {
	AuditTrailer
	ID                 int64           `json:"id"`
	UserID             int64           `json:"user_id"`
	Name               string          `json:"name"`
	TotalCapital       decimal.Decimal `json:"total_capital"`
	ReservedCapital    decimal.Decimal `json:"reserved_capital"`
	MaxPortfolioLogLoss decimal.Decimal `json:"max_portfolio_log_loss"`
	MaxSymbolWeight    decimal.Decimal `json:"max_symbol_weight"`
	MaxSymbols         int             `json:"max_symbols"`
	AllocationMode     string          `json:"allocation_mode"`
	Status             string          `json:"status"`
	Paused             bool            `json:"paused"`
}

// AvailableCapital is total minus reserved, never negative.
func (p Portfolio) AvailableCapital() decimal.Decimal {
	avail := p.TotalCapital.Sub(p.ReservedCapital)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// ZoneBand is a [low, high] price band for one timeframe tier.
type ZoneBand struct {
	Low  decimal.Decimal `json:"low"`
	High decimal.Decimal `json:"high"`
}

// Signal is the canonical, deduplicated confluence observation.
type Signal struct {
	AuditTrailer
	ID                int64           `json:"id"`
	Symbol            string          `json:"symbol"`
	ConfluenceType    string          `json:"confluence_type"`
	SignalDay         string          `json:"signal_day"` // YYYY-MM-DD in configured timezone
	Direction         string          `json:"direction"`
	SignalType        string          `json:"signal_type"`
	HTF               ZoneBand        `json:"htf"`
	ITF               ZoneBand        `json:"itf"`
	LTF               ZoneBand        `json:"ltf"`
	PWin              decimal.Decimal `json:"p_win"`
	PFill             decimal.Decimal `json:"p_fill"`
	Kelly             decimal.Decimal `json:"kelly"`
	EffectiveFloor    decimal.Decimal `json:"effective_floor"`   // stored at 2dp, half-up
	EffectiveCeiling  decimal.Decimal `json:"effective_ceiling"` // stored at 2dp, half-up
	Confidence        decimal.Decimal `json:"confidence"`
	Tags              map[string]string `json:"tags,omitempty"`
	GeneratedAt       int64           `json:"generated_at"` // unix micros
	ExpiresAt         int64           `json:"expires_at"`
	Status            SignalStatus    `json:"status"`
}

// DedupeKey returns the natural dedupe tuple for a signal, with the
// price endpoints already rounded to the 2-decimal scale they are stored at.
func (s Signal) DedupeKey() [5]string {
	return [5]string{
		s.Symbol,
		s.ConfluenceType,
		s.SignalDay,
		s.EffectiveFloor.StringFixed(2),
		s.EffectiveCeiling.StringFixed(2),
	}
}

// SignalDelivery is the per-user-broker fan-out copy of a published signal.
type SignalDelivery struct {
	AuditTrailer
	ID               int64          `json:"id"`
	SignalID         int64          `json:"signal_id"`
	UserBrokerID     int64          `json:"user_broker_id"`
	Status           DeliveryStatus `json:"status"`
	IntentID         *int64         `json:"intent_id,omitempty"`
	RejectionReason  string         `json:"rejection_reason,omitempty"`
	UserAction       string         `json:"user_action,omitempty"`
	ConsumedAt       *int64         `json:"consumed_at,omitempty"`
}

// ValidationError is one structured entry of TradeIntent.ValidationErrors.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// TradeIntent is a validated, sized, idempotent entry order request.
// Its id doubles as the broker client-order-id. It carries no episode
// field: episodes belong only to the exit side (ExitSignal/ExitIntent).
type TradeIntent struct {
	AuditTrailer
	ID                     int64             `json:"id"`
	SignalID               int64             `json:"signal_id"`
	UserBrokerID           int64             `json:"user_broker_id"`
	ValidationPassed       bool              `json:"validation_passed"`
	ValidationErrors       []ValidationError `json:"validation_errors,omitempty"`
	CalculatedQty          decimal.Decimal   `json:"calculated_qty"`
	CalculatedValue        decimal.Decimal   `json:"calculated_value"`
	OrderType              OrderType         `json:"order_type"`
	LimitPrice             decimal.Decimal   `json:"limit_price"`
	ProductType            ProductType       `json:"product_type"`
	LogImpact              decimal.Decimal   `json:"log_impact"`
	PortfolioExposureAfter decimal.Decimal   `json:"portfolio_exposure_after"`
	Status                 IntentStatus      `json:"status"`
	BrokerOrderID          string            `json:"broker_order_id,omitempty"`
	BrokerTradeID          string            `json:"broker_trade_id,omitempty"`
	ErrorCode              string            `json:"error_code,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
}

// TrailingStop is the live trailing-stop triple carried on an open Trade.
type TrailingStop struct {
	Active       bool            `json:"active"`
	HighestPrice decimal.Decimal `json:"highest_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
}

// Trade is the single canonical row per intent_id.
type Trade struct {
	AuditTrailer
	ID                 int64           `json:"id"`
	IntentID           int64           `json:"intent_id"`
	SignalID           int64           `json:"signal_id"`
	UserBrokerID       int64           `json:"user_broker_id"`
	Symbol             string          `json:"symbol"`
	Quantity           decimal.Decimal `json:"quantity"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	EntryValue         decimal.Decimal `json:"entry_value"`
	ProductType        ProductType     `json:"product_type"`
	HTF                ZoneBand        `json:"htf"`
	ITF                ZoneBand        `json:"itf"`
	LTF                ZoneBand        `json:"ltf"`
	TargetPrice        decimal.Decimal `json:"target_price"`
	StopPrice          decimal.Decimal `json:"stop_price"`
	CurrentPrice       decimal.Decimal `json:"current_price"`
	CurrentLogReturn   decimal.Decimal `json:"current_log_return"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	Trailing           TrailingStop    `json:"trailing"`
	ExitPrice          decimal.Decimal `json:"exit_price,omitempty"`
	ExitAt             *int64          `json:"exit_at,omitempty"`
	ExitTrigger        string          `json:"exit_trigger,omitempty"`
	ExitOrderID        string          `json:"exit_order_id,omitempty"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl,omitempty"`
	RealizedLogReturn  decimal.Decimal `json:"realized_log_return,omitempty"`
	HoldingDays        int             `json:"holding_days,omitempty"`
	BrokerOrderID      string          `json:"broker_order_id,omitempty"`
	BrokerTradeID      string          `json:"broker_trade_id,omitempty"`
	ClientOrderID      string          `json:"client_order_id,omitempty"`
	Status             TradeStatus     `json:"status"`
}

// ExitSignal is an episode-numbered exit trigger detection for a trade.
type ExitSignal struct {
	AuditTrailer
	ID                 int64            `json:"id"`
	TradeID            int64            `json:"trade_id"`
	ExitReason         ExitReason       `json:"exit_reason"`
	EpisodeID          int              `json:"episode_id"`
	PriceAtDetection   decimal.Decimal  `json:"price_at_detection"`
	BrickMovement      decimal.Decimal  `json:"brick_movement"`
	FavorableMovement  decimal.Decimal  `json:"favorable_movement"`
	HighestSinceEntry  decimal.Decimal  `json:"highest_since_entry"`
	LowestSinceEntry   decimal.Decimal  `json:"lowest_since_entry"`
	Trailing           TrailingStop     `json:"trailing"`
	Status             ExitSignalStatus `json:"status"`
}

// ExitIntent mirrors TradeIntent for the exit side.
type ExitIntent struct {
	AuditTrailer
	ID            int64        `json:"id"`
	ExitSignalID  int64        `json:"exit_signal_id"`
	TradeID       int64        `json:"trade_id"`
	UserBrokerID  int64        `json:"user_broker_id"`
	ExitReason    ExitReason   `json:"exit_reason"`
	EpisodeID     int          `json:"episode_id"`
	Status        IntentStatus `json:"status"`
	BrokerOrderID string       `json:"broker_order_id,omitempty"`
	ErrorCode     string       `json:"error_code,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	RetryCount    int          `json:"retry_count"`
	PlacedAt      *int64       `json:"placed_at,omitempty"`
}

// TradeEvent is one row of the append-only event log.
type TradeEvent struct {
	Seq           int64           `json:"seq"`
	EventType     string          `json:"event_type"`
	Scope         EventScope      `json:"scope"`
	UserID        *int64          `json:"user_id,omitempty"`
	BrokerID      *int64          `json:"broker_id,omitempty"`
	UserBrokerID  *int64          `json:"user_broker_id,omitempty"`
	Payload       []byte          `json:"payload"` // raw JSON bytes, preserved exactly
	SignalID      *int64          `json:"signal_id,omitempty"`
	IntentID      *int64          `json:"intent_id,omitempty"`
	TradeID       *int64          `json:"trade_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	CreatedBy     string          `json:"created_by"`
}

// Instrument is one tradable symbol under a broker's namespace.
type Instrument struct {
	ID             int64           `json:"id"`
	BrokerCode     string          `json:"broker_code"`
	Exchange       string          `json:"exchange"`
	TradingSymbol  string          `json:"trading_symbol"`
	Name           string          `json:"name"`
	InstrumentType string          `json:"instrument_type"`
	Token          string          `json:"token"`
	LotSize        decimal.Decimal `json:"lot_size"`
	TickSize       decimal.Decimal `json:"tick_size"`
}

// WatchlistTemplate is an L1 curated symbol basket.
type WatchlistTemplate struct {
	AuditTrailer
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

// WatchlistSelected is an L2 admin-picked subset of a template.
type WatchlistSelected struct {
	AuditTrailer
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	TemplateID int64    `json:"template_id"`
	Symbols    []string `json:"symbols"`
	Enabled    bool     `json:"enabled"`
}

// WatchlistEntry is an L4 per-user-broker row.
type WatchlistEntry struct {
	AuditTrailer
	ID            int64           `json:"id"`
	UserBrokerID  int64           `json:"user_broker_id"`
	Symbol        string          `json:"symbol"`
	LotSize       decimal.Decimal `json:"lot_size"`
	TickSize      decimal.Decimal `json:"tick_size"`
	IsCustom      bool            `json:"is_custom"`
	Enabled       bool            `json:"enabled"`
	LastSyncedAt  *int64          `json:"last_synced_at,omitempty"`
	LastPrice     decimal.Decimal `json:"last_price,omitempty"`
	LastTickTime  *int64          `json:"last_tick_time,omitempty"`
}

// MtfGlobalConfig is the singleton global strategy knob set.
type MtfGlobalConfig struct {
	AuditTrailer
	ID                       int64           `json:"id"`
	HTFCandleCount           int             `json:"htf_candle_count"`
	HTFMinutes               int             `json:"htf_minutes"`
	ITFCandleCount           int             `json:"itf_candle_count"`
	ITFMinutes               int             `json:"itf_minutes"`
	LTFCandleCount           int             `json:"ltf_candle_count"`
	LTFMinutes               int             `json:"ltf_minutes"`
	HTFWeight                decimal.Decimal `json:"htf_weight"`
	ITFWeight                decimal.Decimal `json:"itf_weight"`
	LTFWeight                decimal.Decimal `json:"ltf_weight"`
	BuyZonePercentTier1      decimal.Decimal `json:"buy_zone_percent_tier1"`
	BuyZonePercentTier2      decimal.Decimal `json:"buy_zone_percent_tier2"`
	ConfluenceThreshold      decimal.Decimal `json:"confluence_threshold"`
	ConfluenceMultiplier     decimal.Decimal `json:"confluence_multiplier"`
	PositionLogLossCap       decimal.Decimal `json:"position_log_loss_cap"`
	PortfolioLogLossCap      decimal.Decimal `json:"portfolio_log_loss_cap"`
	KellyFraction            decimal.Decimal `json:"kelly_fraction"`
	TrailingStopActivatePct  decimal.Decimal `json:"trailing_stop_activate_pct"`
	TrailingStopDistancePct  decimal.Decimal `json:"trailing_stop_distance_pct"`
	VelocityThrottleRangeATR decimal.Decimal `json:"velocity_throttle_range_atr"`
	UtilityAsymmetryRatio    decimal.Decimal `json:"utility_asymmetry_ratio"`
}

// MtfSymbolConfig is a per-(symbol, user_broker) override; nil fields mean
// "inherit from global".
type MtfSymbolConfig struct {
	AuditTrailer
	ID                   int64            `json:"id"`
	Symbol               string           `json:"symbol"`
	UserBrokerID         int64            `json:"user_broker_id"`
	HTFWeight            *decimal.Decimal `json:"htf_weight,omitempty"`
	ITFWeight            *decimal.Decimal `json:"itf_weight,omitempty"`
	LTFWeight            *decimal.Decimal `json:"ltf_weight,omitempty"`
	ConfluenceThreshold  *decimal.Decimal `json:"confluence_threshold,omitempty"`
	PositionLogLossCap   *decimal.Decimal `json:"position_log_loss_cap,omitempty"`
	KellyFraction        *decimal.Decimal `json:"kelly_fraction,omitempty"`
	TrailingStopActivatePct *decimal.Decimal `json:"trailing_stop_activate_pct,omitempty"`
}

// ResolveEffective overlays non-nil override fields onto the global
// config, field-wise.
func (o MtfSymbolConfig) ResolveEffective(global MtfGlobalConfig) MtfGlobalConfig {
	eff := global
	if o.HTFWeight != nil {
		eff.HTFWeight = *o.HTFWeight
	}
	if o.ITFWeight != nil {
		eff.ITFWeight = *o.ITFWeight
	}
	if o.LTFWeight != nil {
		eff.LTFWeight = *o.LTFWeight
	}
	if o.ConfluenceThreshold != nil {
		eff.ConfluenceThreshold = *o.ConfluenceThreshold
	}
	if o.PositionLogLossCap != nil {
		eff.PositionLogLossCap = *o.PositionLogLossCap
	}
	if o.KellyFraction != nil {
		eff.KellyFraction = *o.KellyFraction
	}
	if o.TrailingStopActivatePct != nil {
		eff.TrailingStopActivatePct = *o.TrailingStopActivatePct
	}
	return eff
}
