package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// TimestampPrecision is the resolution ticket timestamps are kept at. It
// matches Postgres timestamptz so a value reads back exactly as written.
const TimestampPrecision = time.Microsecond

// Day is the business-day key, formatted YYYY-MM-DD.
type Day string

func DayOf(t time.Time) Day {
	return Day(t.Format(dayLayout))
}

func ParseDay(raw string) (Day, error) {
	parsed, err := time.Parse(dayLayout, raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse day: %v", err)
	}
	return Day(parsed.Format(dayLayout)), nil
}

func (d Day) String() string {
	return string(d)
}

// TimeOfDay is minutes since midnight, serialized as "15:04".
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return NewTimeOfDay(parsed.Hour(), parsed.Minute()), nil
		}
	}
	return 0, fmt.Errorf("failed to parse time of day %q", raw)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type PhysicianSchedule struct {
	ScheduleID     string    `json:"schedule_id"`
	PhysicianID    string    `json:"physician_id"`
	PhysicianName  string    `json:"physician_name"`
	Speciality     string    `json:"speciality,omitempty"`
	Degree         string    `json:"degree,omitempty"`
	ClinicCode     string    `json:"clinic_code"`
	ClinicID       string    `json:"clinic_id,omitempty"`
	ClinicName     string    `json:"clinic_name,omitempty"`
	Location       string    `json:"location,omitempty"`
	ClinicTimeFrom TimeOfDay `json:"clinic_time_from"`
	ClinicTimeTo   TimeOfDay `json:"clinic_time_to"`
	BusinessDay    Day       `json:"business_day"`
	IsActive       bool      `json:"is_active"`
}
