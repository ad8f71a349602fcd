package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/database"
)

// Generation source mix when all three sources are available.
const (
	sweepShare     = 0.4
	geneticShare   = 0.4
	mutateProb     = 0.3
	mutateSpreadPC = 0.2
)

// Seed is a backtested strategy plus its latest overall score, used as
// genetic parent material.
type Seed struct {
	Strategy database.Strategy
	Score    float64
}

// Generator produces candidate strategies for one generation cycle. The
// RNG is seeded explicitly so a cycle is reproducible from its seed.
type Generator struct {
	predictor *PredictorClient
	logger    zerolog.Logger
}

// NewGenerator builds a generator. predictor may be nil when no predictor
// service is configured.
func NewGenerator(predictor *PredictorClient, logger zerolog.Logger) *Generator {
	return &Generator{
		predictor: predictor,
		logger:    logger.With().Str("component", "strategy_generator").Logger(),
	}
}

// Generate returns up to size draft candidates for the given generation
// number, mixing template sweeps, genetic crossover over the seed pool,
// and predictor suggestions. Candidates carry status draft and are not
// persisted here.
func (g *Generator) Generate(ctx context.Context, rngSeed int64, symbols, intervals []string, pool []Seed, size, generation int) []database.Strategy {
	rng := rand.New(rand.NewSource(rngSeed))

	sweepN := int(float64(size) * sweepShare)
	geneticN := int(float64(size) * geneticShare)
	predictorN := size - sweepN - geneticN

	if len(pool) < 2 {
		// No parent material yet; fold the genetic share into sweeps.
		sweepN += geneticN
		geneticN = 0
	}

	out := make([]database.Strategy, 0, size)
	out = append(out, g.sweep(rng, symbols, intervals, sweepN, generation)...)
	out = append(out, g.crossover(rng, pool, geneticN, generation)...)

	suggested := g.suggest(ctx, rng, symbols, intervals, predictorN, generation)
	if len(suggested) < predictorN {
		// Absent or failing predictor degrades to extra sweeps.
		out = append(out, g.sweep(rng, symbols, intervals, predictorN-len(suggested), generation)...)
	}
	out = append(out, suggested...)

	g.logger.Info().
		Int("total", len(out)).
		Int("sweep", sweepN).
		Int("genetic", geneticN).
		Int("predictor", len(suggested)).
		Int("generation", generation).
		Msg("candidates generated")
	return out
}

// sweep samples the template grids uniformly.
func (g *Generator) sweep(rng *rand.Rand, symbols, intervals []string, n, generation int) []database.Strategy {
	templates := Templates()
	out := make([]database.Strategy, 0, n)
	for i := 0; i < n; i++ {
		tmpl := templates[rng.Intn(len(templates))]
		params := make(map[string]interface{}, len(tmpl.Space))
		for name, choices := range tmpl.Space {
			params[name] = choices[rng.Intn(len(choices))]
		}
		out = append(out, g.candidate(rng, tmpl.Type, symbols, intervals, params, generation, nil))
	}
	return out
}

// crossover breeds pairs of same-type parents from the top of the pool,
// then mutates numeric parameters.
func (g *Generator) crossover(rng *rand.Rand, pool []Seed, n, generation int) []database.Strategy {
	if n == 0 || len(pool) < 2 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })
	if len(pool) > 50 {
		pool = pool[:50]
	}

	byType := make(map[string][]Seed)
	for _, s := range pool {
		byType[s.Strategy.Type] = append(byType[s.Strategy.Type], s)
	}

	out := make([]database.Strategy, 0, n)
	for len(out) < n {
		a := pool[rng.Intn(len(pool))]
		mates := byType[a.Strategy.Type]
		if len(mates) < 2 {
			// Lone representative of its type; mutate it instead.
			child := g.mutate(rng, a.Strategy.Parameters)
			out = append(out, g.candidate(rng, a.Strategy.Type,
				[]string{a.Strategy.Symbol}, []string{a.Strategy.Interval},
				child, generation, &a.Strategy.ID))
			continue
		}
		b := mates[rng.Intn(len(mates))]
		for b.Strategy.ID == a.Strategy.ID {
			b = mates[rng.Intn(len(mates))]
		}

		child := make(map[string]interface{}, len(a.Strategy.Parameters))
		for key, av := range a.Strategy.Parameters {
			if bv, ok := b.Strategy.Parameters[key]; ok && rng.Intn(2) == 0 {
				child[key] = bv
			} else {
				child[key] = av
			}
		}
		child = g.mutate(rng, child)
		out = append(out, g.candidate(rng, a.Strategy.Type,
			[]string{a.Strategy.Symbol}, []string{a.Strategy.Interval},
			child, generation, &a.Strategy.ID))
	}
	return out
}

// mutate perturbs each numeric parameter by up to ±20% with probability
// mutateProb.
func (g *Generator) mutate(rng *rand.Rand, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for key, v := range params {
		f, ok := v.(float64)
		if !ok || rng.Float64() >= mutateProb {
			out[key] = v
			continue
		}
		spread := f * mutateSpreadPC
		out[key] = f + (rng.Float64()*2-1)*spread
	}
	return out
}

// suggest asks the predictor service for configurations. Any failure
// returns what was gathered so far; the caller backfills with sweeps.
func (g *Generator) suggest(ctx context.Context, rng *rand.Rand, symbols, intervals []string, n, generation int) []database.Strategy {
	if g.predictor == nil || n == 0 {
		return nil
	}
	suggestions, err := g.predictor.Suggest(ctx, symbols, n)
	if err != nil {
		g.logger.Warn().Err(err).Msg("predictor unavailable, degrading to sweeps")
		return nil
	}

	out := make([]database.Strategy, 0, len(suggestions))
	for _, s := range suggestions {
		if _, ok := TemplateFor(s.Type); !ok {
			continue
		}
		symbol := s.Symbol
		if symbol == "" {
			symbol = symbols[rng.Intn(len(symbols))]
		}
		out = append(out, g.candidate(rng, s.Type, []string{symbol}, intervals, s.Parameters, generation, nil))
		if len(out) == n {
			break
		}
	}
	return out
}

func (g *Generator) candidate(rng *rand.Rand, typ string, symbols, intervals []string, params map[string]interface{}, generation int, parentID *int64) database.Strategy {
	symbol := symbols[rng.Intn(len(symbols))]
	interval := intervals[rng.Intn(len(intervals))]
	return database.Strategy{
		Name:             fmt.Sprintf("%s-%s-%s-g%d-%04d", typ, symbol, interval, generation, rng.Intn(10000)),
		Type:             typ,
		Symbol:           symbol,
		Interval:         interval,
		Parameters:       params,
		EntryConditions:  map[string]interface{}{"template": typ},
		ExitConditions:   map[string]interface{}{"template": typ},
		StopLossPct:      stopLossChoices[rng.Intn(len(stopLossChoices))],
		TakeProfitPct:    takeProfitChoices[rng.Intn(len(takeProfitChoices))],
		PositionSizePct:  positionSizeChoices[rng.Intn(len(positionSizeChoices))],
		Status:           database.StrategyStatusDraft,
		Version:          1,
		ParentStrategyID: parentID,
		Generation:       generation,
	}
}
