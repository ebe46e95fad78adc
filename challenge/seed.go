package challenge

import (
	"context"

	"github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/model"
	"gorm.io/gorm"
)

type seedChallenge struct {
	title       string
	description string
	activities  []string
}

var predefined = []seedChallenge{
	{
		title:       "7-Day Gratitude Challenge",
		description: "Share one thing you appreciate about your partner every day for a week.",
		activities: []string{
			"Name a small habit of theirs you love",
			"Thank them for something they did this week",
			"Write a short note of appreciation",
			"Recall a favourite shared memory",
			"Appreciate them in front of someone else",
			"Thank them for a way they have supported you",
			"Tell them what you are most grateful for in your relationship",
		},
	},
	{
		title:       "5 Days of Quality Time",
		description: "Set aside focused, phone-free time together each day.",
		activities: []string{
			"Take a 20 minute walk together",
			"Cook a meal together",
			"Ask each other three questions you have never asked",
			"Plan a future adventure",
			"Spend an evening doing their favourite activity",
		},
	},
}

// SeedPredefined inserts the built-in challenges when none exist yet.
func SeedPredefined(ctx context.Context, gdb *gorm.DB) error {
	var n int64
	if err := gdb.WithContext(ctx).Model(&model.Challenge{}).
		Where("is_predefined = ?", true).Count(&n).Error; err != nil {
		return db.Err(err, "challenge")
	}
	if n > 0 {
		return nil
	}
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sc := range predefined {
			desc := sc.description
			ch := model.Challenge{
				Title:        sc.title,
				Description:  &desc,
				DurationDays: len(sc.activities),
				IsPredefined: true,
			}
			for i, a := range sc.activities {
				ch.Activities = append(ch.Activities, model.ChallengeActivity{DayNumber: i + 1, Title: a})
			}
			if err := tx.Create(&ch).Error; err != nil {
				return db.Err(err, "challenge")
			}
		}
		return nil
	})
}
