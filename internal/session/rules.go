package session

import (
	"math"

	"github.com/pavelanni/iqtester/internal/model"
)

// Score returns round(100 * correct / total). A zero total scores 0.
func Score(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(correct) / float64(total)))
}

// NextDifficulty returns the difficulty of the question that follows an
// answer given at level d.
func NextDifficulty(d model.Difficulty, correct bool) model.Difficulty {
	return d.Next(correct)
}

func countCorrect(questions []model.Question, answers []*string) int {
	n := 0
	for i, q := range questions {
		if i < len(answers) && q.IsCorrect(answers[i]) {
			n++
		}
	}
	return n
}
