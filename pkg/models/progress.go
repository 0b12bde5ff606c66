package models

// ProgressEventType classifies an event on a progress topic.
type ProgressEventType string

const (
	ProgressUpdate   ProgressEventType = "progress"
	ProgressComplete ProgressEventType = "complete"
	ProgressError    ProgressEventType = "error"
)

// WorkerFile tells the node to fetch a worker-local file before relaying a
// user-visible file message.
type WorkerFile struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// ProgressEvent is published on progress:<channelId>. Complete and error
// events additionally land in a single-response key and, when nobody is
// subscribed, in the per-channel reconnect buffer.
type ProgressEvent struct {
	JobID    string            `json:"jobId"`
	Type     ProgressEventType `json:"type"`
	Message  string            `json:"message,omitempty"`
	Result   string            `json:"result,omitempty"`
	FilePath string            `json:"filePath,omitempty"`
	Caption  string            `json:"caption,omitempty"`
	Error    string            `json:"error,omitempty"`

	WorkerFiles     []WorkerFile `json:"_workerFiles,omitempty"`
	WorkerProcessID string       `json:"_workerProcessId,omitempty"`
}
