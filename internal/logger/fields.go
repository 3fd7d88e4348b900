package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing Fields (Context level)
// Propagated through the call chain of one request
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldAnalysisID is the meal analysis run ID
	FieldAnalysisID = "analysis_id"

	// FieldUserID is the owner of the analysis or history being served
	FieldUserID = "user_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldStage is the current pipeline state
	FieldStage = "stage"

	// FieldProvider is the AI provider handling the call
	FieldProvider = "provider"
)

// ============================================
// Metric Fields (Entry level)
// Used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the 1-based model call attempt
	FieldAttempt = "attempt"

	// FieldErrorKind is the analysis error kind
	FieldErrorKind = "error_kind"

	// FieldScore is the computed health score
	FieldScore = "score"
)
