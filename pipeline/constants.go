package pipeline

// Well-known context keys
const (
	// KeyException holds the diagnostics of a terminal failure
	KeyException = "exception"

	// KeyStageTimeoutMs overrides a retryable task's timeout for one stage
	KeyStageTimeoutMs = "stageTimeoutMs"
)

// Store key prefixes for organizing persisted entities
const (
	// PrefixExecution is used for execution headers
	PrefixExecution = "execution:"

	// PrefixStage is used for stage records
	PrefixStage = "stage:"

	// PrefixSaga is used for saga events
	PrefixSaga = "saga:"
)

// Common tags attached to persisted entities
const (
	// TagSynthetic identifies stages injected around a parent
	TagSynthetic = "synthetic"

	// TagComplete identifies entities that reached a completed status
	TagComplete = "complete"
)

// Common property keys used in metadata
const (
	// PropStatus tracks the current status
	PropStatus = "status"

	// PropType indicates the type of an entity
	PropType = "type"

	// PropApplication names the owning application
	PropApplication = "application"

	// PropExecution links a record to its execution
	PropExecution = "execution"
)
