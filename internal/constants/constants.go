package constants

// Advisory lock identifiers shared by every instance.
const (
	MigrationLock = iota + 7301
	SchedulerLock
	PruneLock
)

const (
	SchemaName = "firequeue_schema"
	KeyPrefix  = "firequeue"
)
