package verifier

import (
	"CoverLedger/internal/event"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultConfidenceFloor is the minimum oracle confidence that can approve a claim.
const DefaultConfidenceFloor int64 = 50

// Outcome values of a verification.
type Outcome int32

const (
	OutcomeReject Outcome = iota
	OutcomeApprove
)

func (o Outcome) String() string {
	if o == OutcomeApprove {
		return "Approve"
	}
	return "Reject"
}

// Decision is the verifier's verdict. Reason is set for rejections.
type Decision struct {
	Outcome Outcome
	Reason  string
}

func (d Decision) Approved() bool {
	return d.Outcome == OutcomeApprove
}

func approve() Decision {
	return Decision{Outcome: OutcomeApprove}
}

func reject(format string, args ...any) Decision {
	return Decision{Outcome: OutcomeReject, Reason: fmt.Sprintf(format, args...)}
}

// Outcome values that satisfy each standard trigger family, upper-case.
var (
	trialFailureValues = map[string]bool{
		"FAILED": true, "TERMINATED": true, "SUSPENDED": true, "WITHDRAWN": true, "CANCELLED": true,
	}
	regulatoryRejectionValues = map[string]bool{
		"REJECTED": true, "DENIED": true, "REFUSED": true, "CANCELLED": true,
	}
	ipInvalidationValues = map[string]bool{
		"INVALIDATED": true, "REVOKED": true, "REJECTED": true, "CANCELLED": true,
	}
)

// Window is the coverage period a report must fall into.
type Window struct {
	Start time.Time
	End   time.Time
}

// ClaimVerifier evaluates oracle reports against trigger condition sets.
// It holds no state beyond its floor and never mutates anything.
type ClaimVerifier struct {
	confidenceFloor int64
}

func NewClaimVerifier(confidenceFloor int64) *ClaimVerifier {
	if confidenceFloor <= 0 {
		confidenceFloor = DefaultConfidenceFloor
	}
	return &ClaimVerifier{confidenceFloor: confidenceFloor}
}

func (v *ClaimVerifier) ConfidenceFloor() int64 {
	return v.confidenceFloor
}

// RequiredConfidence is the higher of the global floor and the coverage's own minimum.
func (v *ClaimVerifier) RequiredConfidence(triggers event.TriggerConditionSet) int64 {
	if triggers.MinimumThreshold > v.confidenceFloor {
		return triggers.MinimumThreshold
	}
	return v.confidenceFloor
}

// Evaluate decides whether report satisfies triggers.
//
// A report is usable only if it is verified, meets the required confidence,
// and was observed inside the coverage window and not after now. A usable
// report approves if any enabled standard flag matches the reported value, or
// if custom conditions exist and all of them hold for the value read as an
// integer.
func (v *ClaimVerifier) Evaluate(triggers event.TriggerConditionSet, report event.OracleReport, window Window, now time.Time) Decision {
	if !report.Verified {
		return reject("report from %q is not verified", report.Source)
	}
	if report.Confidence < 0 || report.Confidence > 100 {
		return reject("confidence %d outside [0, 100]", report.Confidence)
	}
	if required := v.RequiredConfidence(triggers); report.Confidence < required {
		return reject("confidence %d below required %d", report.Confidence, required)
	}
	if report.ObservedAt.IsZero() {
		return reject("report has no observation time")
	}
	if report.ObservedAt.Before(window.Start) || report.ObservedAt.After(window.End) {
		return reject("observation at %s outside coverage window", report.ObservedAt.UTC().Format(time.RFC3339))
	}
	if report.ObservedAt.After(now) {
		return reject("observation at %s is in the future", report.ObservedAt.UTC().Format(time.RFC3339))
	}

	value := normalize(report.Value)
	if value == "" {
		return reject("empty report value")
	}

	if triggers.TrialFailure && trialFailureValues[value] {
		return approve()
	}
	if triggers.RegulatoryRejection && regulatoryRejectionValues[value] {
		return approve()
	}
	if triggers.IPInvalidation && ipInvalidationValues[value] {
		return approve()
	}

	if len(triggers.Custom) > 0 {
		observed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return reject("value %q is not numeric and no standard trigger matched", report.Value)
		}
		for _, cond := range triggers.Custom {
			if !cond.Operator.Compare(observed, cond.Threshold) {
				return reject("%s: %d %s %d does not hold", cond.Kind, observed, cond.Operator, cond.Threshold)
			}
		}
		return approve()
	}

	return reject("value %q matches no enabled trigger", report.Value)
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
