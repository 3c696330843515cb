package models

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field format (minute hour day month weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextCronTime returns the first occurrence of the cron expression strictly
// after the reference time.
func NextCronTime(expression string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(after), nil
}

// ValidateCron checks that the expression parses in the 5-field format.
func ValidateCron(expression string) error {
	_, err := cronParser.Parse(expression)

	return err
}
