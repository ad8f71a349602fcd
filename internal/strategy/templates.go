// Package strategy holds the strategy domain model: the six template
// families, parameter spaces for systematic sweeps, and the compiled
// evaluator the backtest engine replays candle by candle.
package strategy

// Strategy type names. Type is stored on the strategies row and selects
// the evaluator.
const (
	TypeMomentum       = "momentum"
	TypeMeanReversion  = "mean_reversion"
	TypeBreakout       = "breakout"
	TypeBTCCorrelation = "btc_correlation"
	TypeMACD           = "macd"
	TypeHybrid         = "hybrid"
)

// Template describes one strategy family: its tunable parameters and the
// discrete values the generator sweeps over.
type Template struct {
	Type     string
	Space    map[string][]float64
	Defaults map[string]float64
}

// Templates returns the six built-in families. The sweep spaces are
// deliberately coarse; the genetic pass refines between grid points.
func Templates() []Template {
	return []Template{
		{
			Type: TypeMomentum,
			Space: map[string][]float64{
				"roc_period":     {6, 12, 24},
				"roc_entry":      {1.0, 2.0, 3.5},
				"rsi_period":     {14},
				"rsi_overbought": {70, 75, 80},
			},
			Defaults: map[string]float64{
				"roc_period": 12, "roc_entry": 2.0,
				"rsi_period": 14, "rsi_overbought": 75,
			},
		},
		{
			Type: TypeMeanReversion,
			Space: map[string][]float64{
				"bb_period": {20, 30},
				"bb_dev":    {1.5, 2.0, 2.5},
			},
			Defaults: map[string]float64{"bb_period": 20, "bb_dev": 2.0},
		},
		{
			Type: TypeBreakout,
			Space: map[string][]float64{
				"lookback":    {20, 40, 60},
				"exit_period": {10, 20},
			},
			Defaults: map[string]float64{"lookback": 40, "exit_period": 20},
		},
		{
			Type: TypeBTCCorrelation,
			Space: map[string][]float64{
				"corr_period": {30, 60},
				"min_corr":    {0.5, 0.7},
				"btc_roc":     {0.5, 1.0, 2.0},
			},
			Defaults: map[string]float64{"corr_period": 60, "min_corr": 0.6, "btc_roc": 1.0},
		},
		{
			Type: TypeMACD,
			Space: map[string][]float64{
				"fast":   {8, 12},
				"slow":   {21, 26},
				"signal": {9},
			},
			Defaults: map[string]float64{"fast": 12, "slow": 26, "signal": 9},
		},
		{
			Type: TypeHybrid,
			Space: map[string][]float64{
				"roc_period": {12, 24},
				"roc_entry":  {1.0, 2.0},
				"fast":       {12},
				"slow":       {26},
				"signal":     {9},
			},
			Defaults: map[string]float64{
				"roc_period": 12, "roc_entry": 1.5,
				"fast": 12, "slow": 26, "signal": 9,
			},
		},
	}
}

// TemplateFor returns the template for a strategy type, or false.
func TemplateFor(typ string) (Template, bool) {
	for _, t := range Templates() {
		if t.Type == typ {
			return t, true
		}
	}
	return Template{}, false
}

// Risk parameter sweep bounds, percentages of portfolio or price.
var (
	stopLossChoices     = []float64{1.0, 2.0, 3.0, 5.0}
	takeProfitChoices   = []float64{2.0, 4.0, 6.0, 10.0}
	positionSizeChoices = []float64{1.0, 2.0, 5.0}
)
