package store

import (
	"encoding/json"
	"fmt"
	"os"

	"clinicq/internal/models"

	"github.com/google/uuid"
)

// ReadScheduleFile decodes a JSON array of schedules. Entries without a
// schedule_id get a generated one.
func ReadScheduleFile(path string) ([]models.PhysicianSchedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var schedules []models.PhysicianSchedule
	if err := json.Unmarshal(raw, &schedules); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}
	for i := range schedules {
		if schedules[i].ScheduleID == "" {
			schedules[i].ScheduleID = uuid.NewString()
		}
	}
	return schedules, nil
}
