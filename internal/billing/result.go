package billing

// Outcome classifies what a processing step achieved.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomePartial Outcome = "partial"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Step names reported in a Report.
const (
	StepLedger       = "ledger"
	StepIdentity     = "identity"
	StepActivation   = "activation"
	StepPayment      = "payment"
	StepBackfill     = "backfill"
	StepTierSync     = "tier_sync"
	StepStatus       = "status"
	StepSeat         = "seat"
	StepProviderStop = "provider_cancel"
	StepIgnored      = "ignored"
)

// StepResult is the outcome of one step. Failed steps do not stop later steps.
type StepResult struct {
	Step    string
	Outcome Outcome
	Detail  string
	Err     error
}

// Report collects the step results of one webhook event.
type Report struct {
	EventID   string
	EventType string
	Duplicate bool
	Steps     []StepResult
}

func (r *Report) add(res StepResult) {
	r.Steps = append(r.Steps, res)
}

func (r *Report) record(step string, outcome Outcome, detail string, err error) {
	r.add(StepResult{Step: step, Outcome: outcome, Detail: detail, Err: err})
}

// Failed returns the failed steps.
func (r Report) Failed() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Step returns the first result recorded for step.
func (r Report) Step(step string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepResult{}, false
}
