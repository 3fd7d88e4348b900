package domain

import "time"

// AnalysisState is a step of the per-request pipeline state machine.
type AnalysisState string

const (
	StateReceived      AnalysisState = "received"
	StatePreprocessing AnalysisState = "preprocessing"
	StatePrompting     AnalysisState = "prompting"
	StateAwaitingModel AnalysisState = "awaiting_model"
	StateParsing       AnalysisState = "parsing"
	StateScoring       AnalysisState = "scoring"
	StatePersisting    AnalysisState = "persisting"
	StateCompleted     AnalysisState = "completed"
	StateFailed        AnalysisState = "failed"
)

// ImageAsset is a validated image held in memory for a single request.
type ImageAsset struct {
	Data []byte
	// MIMEType is the sniffed type of Data; DeclaredMIME is what the client sent.
	MIMEType     string
	DeclaredMIME string
	Size         int64
	Width        int
	Height       int
	// Resized is set when the payload was downsampled or re-encoded.
	Resized bool
	SHA256  string
}

// Extension returns the file extension matching the asset's MIME type.
func (a *ImageAsset) Extension() string {
	return ExtensionFor(a.MIMEType)
}

// ExtensionFor maps a supported image MIME type to a file extension.
func ExtensionFor(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

// MIMEForExtension is the inverse of ExtensionFor.
func MIMEForExtension(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// StageRecord is one visited pipeline state with its duration.
type StageRecord struct {
	State      AnalysisState `json:"state"`
	DurationMs int64         `json:"duration_ms"`
}

// AnalysisResult is the outcome of one pipeline run. It is returned for
// failures too so callers can see where the run stopped.
type AnalysisResult struct {
	ID        string           `json:"id"`
	UserID    string           `json:"-"`
	State     AnalysisState    `json:"state"`
	FailedAt  AnalysisState    `json:"failed_at,omitempty"`
	Attempts  int              `json:"attempts"`
	Stages    []StageRecord    `json:"stages"`
	Nutrition *NutritionRecord `json:"nutrition,omitempty"`
	Score     *HealthScore     `json:"score,omitempty"`
	Entry     *HistoryEntry    `json:"entry,omitempty"`
	Saved     bool             `json:"saved"`
	StartedAt time.Time        `json:"started_at"`
}
