package ensemble

import (
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/strategy"
)

// Config holds voting settings.
type Config struct {
	VotingMethod          string // weighted_average, majority, blend
	ConfidenceThreshold   float64
	MinAgreeingStrategies int
}

// Decision is the ensemble's single output for a tick.
type Decision struct {
	Symbol              string
	Action              strategy.Action
	Confidence          float64
	EntryPrice          float64
	StopLoss            float64
	TakeProfit          float64
	VotingMethod        string
	ContributingSignals []*strategy.Signal
	WeightsSnapshot     map[string]float64
}

// Voter combines per-strategy signals into one decision under the configured
// voting rule. Signals are grouped by symbol; when several symbols produce a
// valid candidate the most confident one wins the tick.
type Voter struct {
	cfg    Config
	logger *logging.Logger
}

func NewVoter(cfg Config, logger *logging.Logger) *Voter {
	if cfg.VotingMethod == "" {
		cfg.VotingMethod = "weighted_average"
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	if cfg.MinAgreeingStrategies <= 0 {
		cfg.MinAgreeingStrategies = 3
	}
	return &Voter{cfg: cfg, logger: logger.WithComponent("ensemble")}
}

// Vote returns the winning decision or nil when every candidate is
// suppressed. HOLD signals must already have been dropped upstream.
func (v *Voter) Vote(signals []*strategy.Signal, weights map[string]float64) *Decision {
	bySymbol := make(map[string][]*strategy.Signal)
	for _, sig := range signals {
		if sig.Action == strategy.ActionHold {
			continue
		}
		bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], sig)
	}

	var best *Decision
	for symbol, group := range bySymbol {
		d := v.voteSymbol(symbol, group, weights)
		if d == nil {
			continue
		}
		if best == nil || d.Confidence > best.Confidence {
			best = d
		}
	}
	return best
}

func (v *Voter) voteSymbol(symbol string, signals []*strategy.Signal, weights map[string]float64) *Decision {
	if len(signals) < v.cfg.MinAgreeingStrategies {
		v.logger.Debug("too few contributors",
			"symbol", symbol, "count", len(signals), "min", v.cfg.MinAgreeingStrategies)
		return nil
	}

	var action strategy.Action
	var confidence float64
	var winners []*strategy.Signal

	switch v.cfg.VotingMethod {
	case "majority":
		action, confidence, winners = v.majority(signals)
	case "blend":
		action, confidence, winners = v.blend(signals, weights)
	default:
		action, confidence, winners = v.weightedAverage(signals, weights)
	}

	if action == "" || confidence < v.cfg.ConfidenceThreshold {
		return nil
	}

	// Representative levels come from the most confident winner-side signal.
	rep := winners[0]
	for _, sig := range winners[1:] {
		if sig.Confidence > rep.Confidence {
			rep = sig
		}
	}

	snapshot := make(map[string]float64, len(weights))
	for k, w := range weights {
		snapshot[k] = w
	}

	return &Decision{
		Symbol:              symbol,
		Action:              action,
		Confidence:          confidence,
		EntryPrice:          rep.EntryPrice,
		StopLoss:            rep.StopLoss,
		TakeProfit:          rep.TakeProfit,
		VotingMethod:        v.cfg.VotingMethod,
		ContributingSignals: signals,
		WeightsSnapshot:     snapshot,
	}
}

// weightedAverage: the action with the larger weighted vote wins; confidence
// is the weighted mean of the winning side's confidences. Ties go to the side
// with the single most confident signal.
func (v *Voter) weightedAverage(signals []*strategy.Signal, weights map[string]float64) (strategy.Action, float64, []*strategy.Signal) {
	var voteBuy, voteSell float64
	var buys, sells []*strategy.Signal

	for _, sig := range signals {
		w := weightFor(weights, sig.StrategyID)
		if sig.Action == strategy.ActionBuy {
			voteBuy += w
			buys = append(buys, sig)
		} else {
			voteSell += w
			sells = append(sells, sig)
		}
	}

	var action strategy.Action
	var winners []*strategy.Signal
	switch {
	case voteBuy > voteSell:
		action, winners = strategy.ActionBuy, buys
	case voteSell > voteBuy:
		action, winners = strategy.ActionSell, sells
	default:
		if bestConfidence(buys) >= bestConfidence(sells) {
			action, winners = strategy.ActionBuy, buys
		} else {
			action, winners = strategy.ActionSell, sells
		}
	}
	if len(winners) == 0 {
		return "", 0, nil
	}

	var weightedConf, totalW float64
	for _, sig := range winners {
		w := weightFor(weights, sig.StrategyID)
		weightedConf += w * sig.Confidence
		totalW += w
	}
	if totalW == 0 {
		return "", 0, nil
	}
	return action, weightedConf / totalW, winners
}

// majority: strict count majority required; confidence is the plain mean of
// the winning side.
func (v *Voter) majority(signals []*strategy.Signal) (strategy.Action, float64, []*strategy.Signal) {
	var buys, sells []*strategy.Signal
	for _, sig := range signals {
		if sig.Action == strategy.ActionBuy {
			buys = append(buys, sig)
		} else {
			sells = append(sells, sig)
		}
	}

	need := len(signals)/2 + 1
	var winners []*strategy.Signal
	var action strategy.Action
	switch {
	case len(buys) >= need:
		action, winners = strategy.ActionBuy, buys
	case len(sells) >= need:
		action, winners = strategy.ActionSell, sells
	default:
		return "", 0, nil
	}

	var sum float64
	for _, sig := range winners {
		sum += sig.Confidence
	}
	return action, sum / float64(len(winners)), winners
}

// blend: weighted confidence mass per side, normalised to sum 1; the heavier
// side wins with its normalised share as confidence.
func (v *Voter) blend(signals []*strategy.Signal, weights map[string]float64) (strategy.Action, float64, []*strategy.Signal) {
	var confBuy, confSell float64
	var buys, sells []*strategy.Signal

	for _, sig := range signals {
		w := weightFor(weights, sig.StrategyID)
		if sig.Action == strategy.ActionBuy {
			confBuy += w * sig.Confidence
			buys = append(buys, sig)
		} else {
			confSell += w * sig.Confidence
			sells = append(sells, sig)
		}
	}

	total := confBuy + confSell
	if total == 0 {
		return "", 0, nil
	}
	if confBuy >= confSell {
		return strategy.ActionBuy, confBuy / total, buys
	}
	return strategy.ActionSell, confSell / total, sells
}

func weightFor(weights map[string]float64, strategyID string) float64 {
	if w, ok := weights[strategyID]; ok && w > 0 {
		return w
	}
	// Unweighted strategies still vote, just without extra pull.
	return 1e-6
}

func bestConfidence(signals []*strategy.Signal) float64 {
	best := -1.0
	for _, sig := range signals {
		if sig.Confidence > best {
			best = sig.Confidence
		}
	}
	return best
}
