package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	app "github.com/quizlab/merit/internal/app"
	"github.com/quizlab/merit/internal/domain/model"
	"github.com/quizlab/merit/pkg/logger"
)

// Demo traffic shape constants.
const (
	demoUserCount = 20
	demoInterval  = 200 * time.Millisecond
)

// runDemoTraffic feeds the pipeline with synthetic activity so local
// runs have something to show on /metrics. One user in the population
// cheats on purpose to exercise the fraud path.
func runDemoTraffic(ctx context.Context, svc *app.Service) {
	log := logger.Named("demo")
	log.Info(ctx, "starting demo traffic generator")

	users := make([]string, demoUserCount)
	quizzes := make(map[string]int, demoUserCount)
	for i := range users {
		users[i] = fmt.Sprintf("demo-user-%02d", i)
	}
	cheater := users[0]

	ticker := time.NewTicker(demoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, "demo traffic generator stopped")
			return
		case <-ticker.C:
			userID := users[rand.Intn(len(users))]
			event := demoEvent(userID, userID == cheater, quizzes)

			if err := svc.Store().PutStatistics(ctx, demoStats(userID, quizzes)); err != nil {
				log.Warn(ctx, "failed to seed demo statistics", logger.Error(err))
				continue
			}
			result := svc.Ingest(ctx, event)
			if len(result.NewlyEarned) > 0 {
				log.Info(ctx, "demo achievement earned",
					logger.String("user_id", userID),
					logger.Any("achievements", result.NewlyEarned),
				)
			}
		}
	}
}

func demoEvent(userID string, cheating bool, quizzes map[string]int) model.ActivityEvent {
	quizzes[userID]++

	questionCount := 5 + rand.Intn(6)
	correct := rand.Intn(questionCount + 1)
	timeSpent := float64(questionCount) * (3000 + rand.Float64()*5000)
	if cheating {
		correct = questionCount
		timeSpent = 40 + rand.Float64()*30
	}

	return model.ActivityEvent{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   model.EventQuizCompleted,
		Data: map[string]any{
			"quiz_id":        fmt.Sprintf("quiz-%d", rand.Intn(50)),
			"question_count": questionCount,
			"correct_count":  correct,
			"time_spent_ms":  timeSpent,
			"device_id":      fmt.Sprintf("device-%s", userID),
		},
		OccurredAt: time.Now(),
	}
}

func demoStats(userID string, quizzes map[string]int) model.UserStatistics {
	total := quizzes[userID]
	return model.UserStatistics{
		UserID:         userID,
		TotalQuizzes:   total,
		TotalAnswers:   total * 8,
		CorrectAnswers: total * 6,
		CurrentStreak:  total % 10,
	}
}
