package handler

const (
	errInternalServer       = "Internal server error"
	errPipelineNotFound     = "Pipeline not found"
	errPipelineDisabled     = "Pipeline is disabled"
	errDuplicatePipeline    = "Pipeline with this name already exists"
	errRunNotFound          = "Run not found"
	errConflict             = "Conflicting idempotency key"
	errAlreadyTerminal      = "Run is already terminal"
	errScheduleNotFound     = "Schedule not found"
	errScheduleNameConflict = "Schedule with this name already exists"
	errInvalidCronExpr      = "Invalid cron expression"
	errInvalidInterval      = "Interval must be at least one second"
	errInvalidOneShot       = "one_shot fire_at must be in the future"
)
