// Package pipeline orchestrates the natural language query flow: cache
// lookup, SPARQL generation, plan execution, result shaping, and the
// streamed contextualized answer.
package pipeline

import "fmt"

// Stream frames emitted to the client. The exact strings are part of
// the wire contract; clients key on the "status:" and "data:" prefixes.
const (
	FrameProcessing        = "status: Processing your query\n"
	FrameGenerating        = "status: Analyzing contexts in the knowledge graph\n"
	FrameExecuting         = "status: Fetching contextual data from knowledge graph\n"
	FrameNoResults         = "status: No context found, thinking more\n"
	FrameProcessingResults = "status: Analyzing context and preparing answer\n"
	FrameNoData            = "I do not have this information yet.\n"
	FrameDone              = "data: [DONE]\n"
)

// ThinkingMessages rotate as heartbeats while the answer stream stalls.
// Order matters; the multiplexer cycles through them from its cursor.
var ThinkingMessages = [...]string{
	"status: Analyzing your query deeply\n",
	"status: Exploring the knowledge graph\n",
	"status: Finding relevant connections\n",
	"status: Processing complex relationships\n",
	"status: Gathering comprehensive data\n",
	"status: Cross-referencing information\n",
	"status: Validating query results\n",
	"status: Optimizing data retrieval\n",
}

// ErrorFrame renders a terminal error line for the client.
func ErrorFrame(message string) string {
	return fmt.Sprintf("Error: %s\n", message)
}
