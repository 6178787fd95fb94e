package models

import "time"

// SessionPhase marks where an in-flight trading cycle is in the
// scan→enrich→risk-gate→offer→execute→capture pipeline.
type SessionPhase string

// Recognized session phases.
const (
	PhaseScan    SessionPhase = "scan"
	PhaseEnrich  SessionPhase = "enrich"
	PhaseRiskGate SessionPhase = "risk_gate"
	PhaseOffer   SessionPhase = "offer"
	PhaseExecute SessionPhase = "execute"
	PhaseCapture SessionPhase = "capture"
	PhaseDone    SessionPhase = "done"
)

// Session is a recovery record for an in-flight trading cycle. Completed sessions are
// renamed (a logical marker, adapted from the teacher's atomic-rename file storage) so
// incomplete sessions can be enumerated and resumed on the next Orchestrator run.
type Session struct {
	ID           string       `json:"id"`
	Phase        SessionPhase `json:"phase"`
	Opportunities []string    `json:"opportunities"` // opportunity IDs seen this cycle
	Approved     []string     `json:"approved"`
	Executed     []string     `json:"executed"`
	Failed       []string     `json:"failed"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NewSession starts a fresh recovery record at the scan phase.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		Phase:     PhaseScan,
		Timestamp: time.Now().UTC(),
	}
}

// Advance moves the session to the next phase and refreshes the timestamp.
func (s *Session) Advance(phase SessionPhase) {
	s.Phase = phase
	s.Timestamp = time.Now().UTC()
}

// Complete marks the session done; the Store is responsible for renaming its
// on-disk marker so completed sessions stop showing up in the resumable set.
func (s *Session) Complete() {
	s.Phase = PhaseDone
	s.Timestamp = time.Now().UTC()
}

// IsCompleted reports whether Complete has been called. Derived from Phase (rather
// than a separate flag) so it survives a JSON round trip through SessionStore.
func (s *Session) IsCompleted() bool {
	return s.Phase == PhaseDone
}
