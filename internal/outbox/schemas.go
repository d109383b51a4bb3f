package outbox

import "example.com/coaching/internal/events"

const executionStartedSchema = `{
  "type": "object",
  "title": "ExecutionStarted",
  "properties": {
    "execution_id": {"type": "string"},
    "workout_id": {"type": "string"},
    "student_id": {"type": "string"},
    "trainer_id": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"},
    "performed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["execution_id", "workout_id", "student_id", "trainer_id", "started_at"],
  "additionalProperties": false
}`

const executionCompletedSchema = `{
  "type": "object",
  "title": "ExecutionCompleted",
  "properties": {
    "execution_id": {"type": "string"},
    "workout_id": {"type": "string"},
    "student_id": {"type": "string"},
    "trainer_id": {"type": "string"},
    "completed_at": {"type": "string", "format": "date-time"},
    "total_elapsed_ms": {"type": "integer", "minimum": 0},
    "actual_total_km": {"type": "number"},
    "rpe": {"type": "number"},
    "comment": {"type": "string"}
  },
  "required": ["execution_id", "workout_id", "student_id", "trainer_id", "completed_at"],
  "additionalProperties": false
}`

const workoutLockedSchema = `{
  "type": "object",
  "title": "WorkoutLocked",
  "properties": {
    "workout_id": {"type": "string"},
    "student_id": {"type": "string"},
    "trainer_id": {"type": "string"},
    "locked_at": {"type": "string", "format": "date-time"}
  },
  "required": ["workout_id", "student_id", "trainer_id", "locked_at"],
  "additionalProperties": false
}`

// schemaCatalog maps event type to its JSON schema definition.
var schemaCatalog = map[string]string{
	events.TypeExecutionStarted:   executionStartedSchema,
	events.TypeExecutionCompleted: executionCompletedSchema,
	events.TypeWorkoutLocked:      workoutLockedSchema,
}
