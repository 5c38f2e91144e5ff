package model

// ApprovedValidityFactor is the only validity factor that admits a receipt.
const ApprovedValidityFactor = 1.0

// ValidationVerdict is the classifier's judgment on a receipt image.
// DescriptionOfAnalysis is informational only.
type ValidationVerdict struct {
	ValidityFactor        float64 `json:"validityFactor"`
	DescriptionOfAnalysis string  `json:"descriptionOfAnalysis"`
}

// Approved reports whether the verdict admits the receipt. Only an exact
// factor of 1 passes.
func (v ValidationVerdict) Approved() bool {
	return v.ValidityFactor == ApprovedValidityFactor
}

// Outcome is the consolidated result of one submission.
type Outcome struct {
	SubmissionID string
	Timestamp    int64
	Approved     bool
	Verdict      ValidationVerdict
	RewardIssued bool
}

// OutcomeEvent is published after every outcome that ran the classifier.
type OutcomeEvent struct {
	SubmissionID   string  `json:"submissionId"`
	Address        string  `json:"address"`
	DeviceID       string  `json:"deviceId"`
	Timestamp      int64   `json:"timestamp"`
	Approved       bool    `json:"approved"`
	RewardIssued   bool    `json:"rewardIssued"`
	ValidityFactor float64 `json:"validityFactor"`
}

// NewOutcomeEvent builds the event for an outcome of submission s.
func NewOutcomeEvent(s *Submission, o Outcome) OutcomeEvent {
	return OutcomeEvent{
		SubmissionID:   o.SubmissionID,
		Address:        s.Address(),
		DeviceID:       s.DeviceID(),
		Timestamp:      o.Timestamp,
		Approved:       o.Approved,
		RewardIssued:   o.RewardIssued,
		ValidityFactor: o.Verdict.ValidityFactor,
	}
}
