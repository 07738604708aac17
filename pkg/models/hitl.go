package models

// HITLStatus is the resolution status of a HITLItem.
type HITLStatus string

const (
	HITLPending    HITLStatus = "pending"
	HITLProcessing HITLStatus = "processing"
	HITLResolved   HITLStatus = "resolved"
	HITLApproval   HITLStatus = "approval"
)

// FromStage builds the "from-<stage>" status string a HITLItem carries when
// it arrived via an automatic escalation out of a pipeline stage.
func FromStage(s Stage) string {
	return "from-" + string(s)
}

// HITLItem is a derived view: any issue with status=hitl, plus the stage it
// escalated from and a free-form cause.
type HITLItem struct {
	Issue              int    `json:"issue"`
	Title              string `json:"title"`
	Branch             string `json:"branch,omitempty"`
	PR                 int    `json:"pr,omitempty"`
	PRURL              string `json:"prUrl,omitempty"`
	Status             string `json:"status"`
	Cause              string `json:"cause"`
	IsMemorySuggestion bool   `json:"isMemorySuggestion"`
	// FromStage records the stage the issue escalated from, empty for
	// manually-filed request-changes items.
	FromStage Stage `json:"fromStage,omitempty"`
}
