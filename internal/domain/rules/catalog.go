package rules

import (
	"github.com/quizlab/merit/internal/domain/model"
)

// Thresholds used by the default catalogue.
const (
	accuracyMasterMinAnswers = 50
	accuracyMasterPercent    = 90
	earlyBirdHour            = 7
	nightOwlHour             = 23
)

// DefaultCatalogue returns the built-in achievement rules.
func DefaultCatalogue() []Rule {
	return []Rule{
		NewRule(Definition{
			ID:          "first_quiz",
			Title:       "First Steps",
			Description: "Complete your first quiz",
			Icon:        "footsteps",
			Category:    "milestone",
			Points:      10,
			Target:      1,
			Triggers:    []model.EventType{model.EventQuizCompleted},
		}, quizCountEvaluator),

		NewRule(Definition{
			ID:          "quiz_10",
			Title:       "Getting Serious",
			Description: "Complete 10 quizzes",
			Icon:        "flame",
			Category:    "milestone",
			Points:      50,
			Target:      10,
			Triggers:    []model.EventType{model.EventQuizCompleted},
		}, quizCountEvaluator),

		NewRule(Definition{
			ID:          "quiz_100",
			Title:       "Centurion",
			Description: "Complete 100 quizzes",
			Icon:        "shield",
			Category:    "milestone",
			Points:      250,
			Target:      100,
			Triggers:    []model.EventType{model.EventQuizCompleted},
		}, quizCountEvaluator),

		NewRule(Definition{
			ID:          "perfect_quiz",
			Title:       "Flawless",
			Description: "Finish a quiz with every answer correct",
			Icon:        "star",
			Category:    "skill",
			Points:      30,
			Target:      1,
			Repeatable:  true,
			Triggers:    []model.EventType{model.EventQuizCompleted},
		}, perfectQuizEvaluator),

		NewRule(Definition{
			ID:          "streak_7",
			Title:       "One Week Strong",
			Description: "Keep a 7-day streak",
			Icon:        "calendar",
			Category:    "consistency",
			Points:      70,
			Target:      7,
			Triggers:    []model.EventType{model.EventStreakUpdated},
		}, streakEvaluator),

		NewRule(Definition{
			ID:          "streak_30",
			Title:       "Habit Formed",
			Description: "Keep a 30-day streak",
			Icon:        "trophy",
			Category:    "consistency",
			Points:      300,
			Target:      30,
			Triggers:    []model.EventType{model.EventStreakUpdated},
		}, streakEvaluator),

		NewRule(Definition{
			ID:          "century_answers",
			Title:       "Answer Machine",
			Description: "Submit 100 answers",
			Icon:        "bolt",
			Category:    "milestone",
			Points:      100,
			Target:      100,
			Triggers:    []model.EventType{model.EventAnswerSubmitted},
		}, answerCountEvaluator),

		NewRule(Definition{
			ID:          "accuracy_master",
			Title:       "Sharpshooter",
			Description: "Reach 90% accuracy over at least 50 answers",
			Icon:        "target",
			Category:    "skill",
			Points:      150,
			Target:      accuracyMasterPercent,
			Triggers:    []model.EventType{model.EventAnswerSubmitted},
		}, accuracyEvaluator),

		NewRule(Definition{
			ID:          "early_bird",
			Title:       "Early Bird",
			Description: "Complete 5 quizzes before 7am",
			Icon:        "sunrise",
			Category:    "habit",
			Points:      40,
			Target:      5,
			Triggers:    []model.EventType{model.EventQuizCompleted},
		}, hourWindowEvaluator(0, earlyBirdHour)),

		NewRule(Definition{
			ID:          "night_owl",
			Title:       "Night Owl",
			Description: "Complete 5 quizzes after 11pm",
			Icon:        "moon",
			Category:    "habit",
			Points:      40,
			Target:      5,
			Triggers:    []model.EventType{model.EventQuizCompleted},
		}, hourWindowEvaluator(nightOwlHour, 24)),

		NewRule(Definition{
			ID:          "study_week",
			Title:       "Full Week",
			Description: "Study on 7 consecutive days",
			Icon:        "book",
			Category:    "consistency",
			Points:      120,
			Target:      7,
			Triggers:    []model.EventType{model.EventStudyDayCompleted},
		}, studyDaysEvaluator),
	}
}

// quizCountEvaluator tracks total completed quizzes.
func quizCountEvaluator(ctx model.EvaluationContext, current int) Outcome {
	return Outcome{Progress: ctx.Stats.TotalQuizzes}
}

// answerCountEvaluator tracks total submitted answers.
func answerCountEvaluator(ctx model.EvaluationContext, current int) Outcome {
	return Outcome{Progress: ctx.Stats.TotalAnswers}
}

// streakEvaluator reports the current streak length. The storage upsert
// keeps progress monotonic for non-repeatable achievements, so a broken
// streak does not roll recorded progress back.
func streakEvaluator(ctx model.EvaluationContext, current int) Outcome {
	return Outcome{Progress: ctx.Stats.CurrentStreak}
}

// studyDaysEvaluator tracks consecutive study days.
func studyDaysEvaluator(ctx model.EvaluationContext, current int) Outcome {
	return Outcome{Progress: ctx.Stats.ConsecutiveStudyDays}
}

// perfectQuizEvaluator fires when the triggering quiz had every answer
// correct.
func perfectQuizEvaluator(ctx model.EvaluationContext, current int) Outcome {
	correct, okCorrect := ctx.Event.Int("correct_count")
	total, okTotal := ctx.Event.Int("question_count")
	if !okCorrect || !okTotal || total == 0 || correct < total {
		return Outcome{Progress: current}
	}
	return Outcome{
		Progress: current + 1,
		Metadata: map[string]any{"question_count": total},
	}
}

// accuracyEvaluator reports accuracy as a percentage once the sample is
// large enough to mean anything.
func accuracyEvaluator(ctx model.EvaluationContext, current int) Outcome {
	if ctx.Stats.TotalAnswers < accuracyMasterMinAnswers {
		return Outcome{Progress: current}
	}
	percent := int(ctx.Stats.Accuracy() * 100)
	// A dipped accuracy must not roll progress back.
	if percent < current {
		percent = current
	}
	return Outcome{Progress: percent}
}

// hourWindowEvaluator counts quizzes completed within [fromHour, toHour).
func hourWindowEvaluator(fromHour, toHour int) Evaluator {
	return func(ctx model.EvaluationContext, current int) Outcome {
		hour := ctx.Event.OccurredAt.Hour()
		if hour < fromHour || hour >= toHour {
			return Outcome{Progress: current}
		}
		return Outcome{Progress: current + 1}
	}
}
