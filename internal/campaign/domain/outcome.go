package domain

// CallOutcome is the resolved result of one executed call attempt.
// PartnershipSignal is tri-state: nil means the analysis carried no
// decisive answer, which is not the same as false.
type CallOutcome struct {
	Successful        bool
	TimedOut          bool
	DurationSeconds   int
	ConversationRef   string
	PartnershipSignal *bool
}

// TimeoutOutcome synthesizes the outcome recorded when a call was placed
// but never reached a terminal state within the polling budget.
func TimeoutOutcome(conversationRef string) CallOutcome {
	return CallOutcome{
		Successful:      false,
		TimedOut:        true,
		DurationSeconds: 0,
		ConversationRef: conversationRef,
	}
}

// EmailOutcome is the aggregate result of one email attempt across all
// addresses on file. Success means at least one delivery went through.
// Unreachable marks the permanent no-address-on-file case.
type EmailOutcome struct {
	Success     bool
	Delivered   int
	Failed      int
	Subject     string
	LastError   string
	Unreachable bool
}
