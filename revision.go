package ensemble

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ComplianceReport is the checker node's verdict, stored under the
// compliance_report artifact.
type ComplianceReport struct {
	Score         float64  `json:"score"`
	NeedsRevision bool     `json:"needs_revision"`
	FailedItems   []string `json:"failed_items,omitempty"`
}

// applyRevision is the revision controller: a pure function of state that the
// engine consults after each paper step. When the compliance verdict asks for
// revision and the round budget has room, it routes back to the writer,
// increments revision_round, consumes the verdict so the checker runs again
// after the rewrite, and appends a synthesised user message steering the next
// pass. Previously written manuscript sections are preserved; the writer
// chooses what to revise. Reports whether a loopback was applied.
func applyRevision(st *State) bool {
	raw := st.Artifact(ArtifactCompliance)
	if len(raw) == 0 {
		return false
	}
	var report ComplianceReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return false
	}
	if !report.NeedsRevision || st.RevisionRound >= st.MaxRevisions {
		return false
	}

	st.RevisionRound++
	st.NextAgent = NodeWriter
	delete(st.Artifacts, ArtifactCompliance)
	st.Messages = append(st.Messages, UserMessage(revisionSummary(report, st.RevisionRound)))
	return true
}

func revisionSummary(report ComplianceReport, round int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The compliance check failed (revision %d). Revise the manuscript to address:", round)
	if len(report.FailedItems) == 0 {
		sb.WriteString(" the reported compliance issues.")
		return sb.String()
	}
	for _, item := range report.FailedItems {
		sb.WriteString("\n- ")
		sb.WriteString(item)
	}
	return sb.String()
}
