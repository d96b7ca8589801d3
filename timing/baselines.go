package timing

import "github.com/dyshay/agentauth/challenge"

// Baseline holds the expected response-time envelope for one challenge type
// at one difficulty. All values are milliseconds.
type Baseline struct {
	ChallengeType string               `json:"challenge_type"`
	Difficulty    challenge.Difficulty `json:"difficulty"`
	MeanMs        float64              `json:"mean_ms"`
	StdMs         float64              `json:"std_ms"`
	TooFastMs     float64              `json:"too_fast_ms"`
	AILowerMs     float64              `json:"ai_lower_ms"`
	AIUpperMs     float64              `json:"ai_upper_ms"`
	HumanMs       float64              `json:"human_ms"`
	TimeoutMs     float64              `json:"timeout_ms"`
}

// DefaultBaselines covers every built-in challenge type at every difficulty.
var DefaultBaselines = []Baseline{
	{ChallengeType: challenge.TypeCryptoNL, Difficulty: challenge.DifficultyEasy, MeanMs: 150, StdMs: 60, TooFastMs: 20, AILowerMs: 40, AIUpperMs: 1000, HumanMs: 8000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeCryptoNL, Difficulty: challenge.DifficultyMedium, MeanMs: 300, StdMs: 120, TooFastMs: 30, AILowerMs: 50, AIUpperMs: 2000, HumanMs: 10000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeCryptoNL, Difficulty: challenge.DifficultyHard, MeanMs: 600, StdMs: 200, TooFastMs: 50, AILowerMs: 100, AIUpperMs: 3000, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeCryptoNL, Difficulty: challenge.DifficultyAdversarial, MeanMs: 1000, StdMs: 350, TooFastMs: 80, AILowerMs: 150, AIUpperMs: 5000, HumanMs: 20000, TimeoutMs: 30000},

	{ChallengeType: challenge.TypeMultiStep, Difficulty: challenge.DifficultyEasy, MeanMs: 400, StdMs: 150, TooFastMs: 40, AILowerMs: 80, AIUpperMs: 2000, HumanMs: 12000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeMultiStep, Difficulty: challenge.DifficultyMedium, MeanMs: 800, StdMs: 300, TooFastMs: 60, AILowerMs: 150, AIUpperMs: 4000, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeMultiStep, Difficulty: challenge.DifficultyHard, MeanMs: 1200, StdMs: 400, TooFastMs: 100, AILowerMs: 300, AIUpperMs: 5000, HumanMs: 20000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeMultiStep, Difficulty: challenge.DifficultyAdversarial, MeanMs: 1800, StdMs: 500, TooFastMs: 150, AILowerMs: 400, AIUpperMs: 7000, HumanMs: 25000, TimeoutMs: 30000},

	{ChallengeType: challenge.TypeAmbiguousLogic, Difficulty: challenge.DifficultyEasy, MeanMs: 200, StdMs: 80, TooFastMs: 20, AILowerMs: 50, AIUpperMs: 1500, HumanMs: 10000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeAmbiguousLogic, Difficulty: challenge.DifficultyMedium, MeanMs: 400, StdMs: 150, TooFastMs: 40, AILowerMs: 80, AIUpperMs: 2500, HumanMs: 12000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeAmbiguousLogic, Difficulty: challenge.DifficultyHard, MeanMs: 700, StdMs: 250, TooFastMs: 60, AILowerMs: 120, AIUpperMs: 3500, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeAmbiguousLogic, Difficulty: challenge.DifficultyAdversarial, MeanMs: 1000, StdMs: 350, TooFastMs: 80, AILowerMs: 200, AIUpperMs: 5000, HumanMs: 20000, TimeoutMs: 30000},

	{ChallengeType: challenge.TypeCodeExecution, Difficulty: challenge.DifficultyEasy, MeanMs: 300, StdMs: 100, TooFastMs: 30, AILowerMs: 60, AIUpperMs: 1500, HumanMs: 15000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeCodeExecution, Difficulty: challenge.DifficultyMedium, MeanMs: 500, StdMs: 200, TooFastMs: 50, AILowerMs: 100, AIUpperMs: 3000, HumanMs: 20000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeCodeExecution, Difficulty: challenge.DifficultyHard, MeanMs: 900, StdMs: 300, TooFastMs: 80, AILowerMs: 150, AIUpperMs: 4500, HumanMs: 25000, TimeoutMs: 30000},
	{ChallengeType: challenge.TypeCodeExecution, Difficulty: challenge.DifficultyAdversarial, MeanMs: 1500, StdMs: 450, TooFastMs: 120, AILowerMs: 250, AIUpperMs: 6000, HumanMs: 30000, TimeoutMs: 30000},
}

// GetBaseline returns the built-in baseline for the given challenge type and
// difficulty, or nil when no entry exists.
func GetBaseline(challengeType string, difficulty challenge.Difficulty) *Baseline {
	for i := range DefaultBaselines {
		if DefaultBaselines[i].ChallengeType == challengeType && DefaultBaselines[i].Difficulty == difficulty {
			return &DefaultBaselines[i]
		}
	}
	return nil
}
