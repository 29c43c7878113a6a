package intents

import (
	"github.com/shopspring/decimal"

	"github.com/sentinel-trading/backend/internal/domain"
)

// SizeInput is everything the sizing step needs: the signal being acted
// on, the acting user-broker's risk policy, its portfolio's capital
// caps, the effective (global-overlaid-by-symbol) strategy config, and a
// live entry price.
type SizeInput struct {
	Signal        domain.Signal
	UserBroker    domain.UserBroker
	Portfolio     domain.Portfolio
	Config        domain.MtfGlobalConfig
	EntryPrice    decimal.Decimal
	RangeATRRatio decimal.Decimal // compared against VelocityThrottleRangeATR; Service.Create passes the HTF band width (High-Low), not divided by any ATR
}

// SizeResult is the sizing step's outcome: either a computed quantity and
// its log-loss impact, or a rejection reason.
type SizeResult struct {
	Qty        decimal.Decimal
	Value      decimal.Decimal
	LogImpact  decimal.Decimal
	Exposure   decimal.Decimal
	Rejected   bool
	RejectCode string
	RejectMsg  string
}

// computeSize runs capital/confidence/Kelly-fraction sizing, a position
// log-loss cap, a velocity throttle that halves the size when
// RangeATRRatio exceeds the configured threshold, and the utility-asymmetry gate
// p·U(win) ≥ ratio·(1-p)·|U(loss)|.
func computeSize(in SizeInput) SizeResult {
	if in.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return SizeResult{Rejected: true, RejectCode: "INVALID_PRICE", RejectMsg: "entry price must be positive"}
	}

	potentialGain := in.Signal.EffectiveCeiling.Sub(in.EntryPrice)
	potentialLoss := in.EntryPrice.Sub(in.Signal.EffectiveFloor)
	if potentialLoss.LessThanOrEqual(decimal.Zero) {
		return SizeResult{Rejected: true, RejectCode: "NO_STOP_DISTANCE", RejectMsg: "entry price is not above the effective floor"}
	}

	lhs := in.Signal.PWin.Mul(potentialGain)
	rhs := in.Config.UtilityAsymmetryRatio.Mul(decimal.NewFromInt(1).Sub(in.Signal.PWin)).Mul(potentialLoss.Abs())
	if lhs.LessThan(rhs) {
		return SizeResult{Rejected: true, RejectCode: "UTILITY_ASYMMETRY_GATE", RejectMsg: "expected utility does not clear the asymmetry ratio"}
	}

	available := in.Portfolio.AvailableCapital()
	kellyCapital := available.Mul(in.Config.KellyFraction).Mul(in.Signal.Kelly)

	capByTrade := in.UserBroker.Risk.PerTradeCap
	if capByTrade.IsPositive() && kellyCapital.GreaterThan(capByTrade) {
		kellyCapital = capByTrade
	}
	capByExposure := in.UserBroker.Risk.MaxExposure
	if capByExposure.IsPositive() && kellyCapital.GreaterThan(capByExposure) {
		kellyCapital = capByExposure
	}

	// velocity throttle: a wide current Range/ATR relative to the
	// configured threshold signals a choppier regime, so size is halved.
	if in.Config.VelocityThrottleRangeATR.IsPositive() && in.RangeATRRatio.GreaterThan(in.Config.VelocityThrottleRangeATR) {
		kellyCapital = kellyCapital.Div(decimal.NewFromInt(2))
	}

	if kellyCapital.LessThanOrEqual(decimal.Zero) {
		return SizeResult{Rejected: true, RejectCode: "ZERO_CAPITAL", RejectMsg: "no capital available after risk caps"}
	}

	qty := kellyCapital.Div(in.EntryPrice).Floor()
	if qty.LessThanOrEqual(decimal.Zero) {
		return SizeResult{Rejected: true, RejectCode: "ZERO_QUANTITY", RejectMsg: "sized quantity rounds to zero"}
	}

	value := qty.Mul(in.EntryPrice)

	// log impact approximates the position's contribution to the portfolio
	// log-loss budget as stop-distance value over total capital.
	logImpact := decimal.Zero
	if in.Portfolio.TotalCapital.IsPositive() {
		logImpact = qty.Mul(potentialLoss).Div(in.Portfolio.TotalCapital)
	}
	if in.Config.PositionLogLossCap.IsPositive() && logImpact.GreaterThan(in.Config.PositionLogLossCap) {
		scale := in.Config.PositionLogLossCap.Div(logImpact)
		qty = qty.Mul(scale).Floor()
		if qty.LessThanOrEqual(decimal.Zero) {
			return SizeResult{Rejected: true, RejectCode: "LOG_LOSS_CAP", RejectMsg: "position log-loss cap leaves zero quantity"}
		}
		value = qty.Mul(in.EntryPrice)
		logImpact = qty.Mul(potentialLoss).Div(in.Portfolio.TotalCapital)
	}

	exposureAfter := decimal.Zero
	if in.Portfolio.TotalCapital.IsPositive() {
		exposureAfter = value.Div(in.Portfolio.TotalCapital)
	}

	return SizeResult{Qty: qty, Value: value, LogImpact: logImpact, Exposure: exposureAfter}
}
