package ensemble

// ChunkType identifies the kind of stream chunk.
type ChunkType string

const (
	// ChunkStart is emitted exactly once, first; carries task and correlation ids.
	ChunkStart ChunkType = "start"
	// ChunkToken carries a UTF-8 text fragment from a streaming LLM call.
	ChunkToken ChunkType = "token"
	// ChunkData is emitted when a node completes; carries the node name,
	// status, and a summary of produced artifacts.
	ChunkData ChunkType = "data"
	// ChunkError carries an error kind tag and a human-readable message.
	ChunkError ChunkType = "error"
	// ChunkDone is emitted exactly once, last; carries the final task status.
	ChunkDone ChunkType = "done"
)

// Chunk is one element of the ordered stream a task produces. Within one
// task all chunks are totally ordered and match execution order: start
// precedes everything, done follows everything, and token chunks between two
// data chunks belong to the later node.
type Chunk struct {
	Type          ChunkType      `json:"type"`
	TaskID        string         `json:"task_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Node          string         `json:"node,omitempty"`
	Text          string         `json:"text,omitempty"`
	Status        string         `json:"status,omitempty"`
	Artifacts     map[string]int `json:"artifacts,omitempty"` // name → payload size in bytes
	ErrorKind     string         `json:"error_kind,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// streamQueueSize bounds the chunk queue between producer and consumer.
// A consumer that stops draining blocks the producing task at its next
// emission point once the queue fills — backpressure, not buffering.
const streamQueueSize = 16

// artifactSummary builds the data-chunk artifact map from a node's delta.
func artifactSummary(d Delta) map[string]int {
	if len(d.Artifacts) == 0 {
		return nil
	}
	sum := make(map[string]int, len(d.Artifacts))
	for k, v := range d.Artifacts {
		sum[k] = len(v)
	}
	return sum
}
