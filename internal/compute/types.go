package compute

import "time"

// Job states reported by the compute cluster.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// SubmitRequest describes one inference job submission.
type SubmitRequest struct {
	TaskType    string            // e.g. "face_detect"
	FilePath    string            // absolute path of the input media file
	CallbackURL string            // where the cluster posts the completion callback
	Params      map[string]string // optional task parameters
}

// SubmitResponse is the cluster's acknowledgement of a submission.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// Job is the cluster's view of a submitted job, including its output
// manifest once completed.
type Job struct {
	JobID        string         `json:"job_id"`
	TaskType     string         `json:"task_type"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	TaskOutput   map[string]any `json:"task_output,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DetectedFaceOutput is one face in a face detection job's output manifest.
type DetectedFaceOutput struct {
	Index       int       `json:"index"`
	BoundingBox []float64 `json:"bounding_box"`
	Landmarks   []float64 `json:"landmarks,omitempty"`
	Confidence  float64   `json:"confidence"`
	CropFile    string    `json:"crop_file"`
}

// FaceDetectOutput is the task_output of a completed face detection job.
type FaceDetectOutput struct {
	Faces []DetectedFaceOutput `json:"faces"`
}

// EmbeddingOutput is the task_output of a completed embedding job. The
// vector itself lives in a downloadable file named by EmbeddingFile.
type EmbeddingOutput struct {
	EmbeddingFile string `json:"embedding_file"`
}
