package interaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgeGroup buckets a patient's age for interaction screening.
type AgeGroup string

const (
	AgePediatric AgeGroup = "Pediatric"
	AgeAdult     AgeGroup = "Adult"
	AgeElderly   AgeGroup = "Elderly"
)

// PatientContext captures the physiological flags that can worsen an
// interaction. It is immutable input: built once per check, never mutated.
type PatientContext struct {
	AgeGroup      AgeGroup `json:"age_group,omitempty"`
	RenalStatus   bool     `json:"renal_status"`
	HepaticStatus bool     `json:"hepatic_status"`
	CardiacStatus bool     `json:"cardiac_status"`
}

// Patient characteristics as they are named in the interaction graph.
const (
	CharacteristicRenal   = "Renal Impairment"
	CharacteristicHepatic = "Hepatic Impairment"
	CharacteristicCardiac = "Cardiac Disease"
)

// Confirms reports whether the patient's profile actually has the named
// characteristic. Graph annotations that the profile does not confirm are
// filtered out of query results.
func (pc PatientContext) Confirms(characteristic string) bool {
	switch characteristic {
	case CharacteristicRenal:
		return pc.RenalStatus
	case CharacteristicHepatic:
		return pc.HepaticStatus
	case CharacteristicCardiac:
		return pc.CardiacStatus
	}
	return false
}

// MedicationRef identifies a medication by name, case-insensitively.
type MedicationRef struct {
	Name     string `json:"name"`
	RxNormID string `json:"rx_norm_id,omitempty"`
}

// NormalizeName returns the canonical, case-insensitive form of a
// medication name used for matching and pair keys.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// InteractionFact is one known drug-pair interaction, annotated with the
// consequences attached to either drug and the exacerbating characteristics
// the patient's context confirms. Read-only after construction.
type InteractionFact struct {
	DrugA                       string   `json:"drugA"`
	DrugB                       string   `json:"drugB"`
	Mechanism                   string   `json:"mechanism"`
	Notes                       string   `json:"notes,omitempty"`
	ClinicalConsequences        []string `json:"clinicalConsequences"`
	ExacerbatingCharacteristics []string `json:"exacerbatingCharacteristics"`
}

// PairKey returns the canonical unordered-pair key for the fact, so that
// (A,B) and (B,A) dedupe to a single row.
func (f InteractionFact) PairKey() string {
	a, b := NormalizeName(f.DrugA), NormalizeName(f.DrugB)
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// EvidenceSnippet is a free-text passage retrieved by semantic similarity.
// Rank order (descending similarity) is carried by slice position.
type EvidenceSnippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Severity grades a drug-drug interaction alert.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityModerate Severity = "Moderate"
	SeverityLow      Severity = "Low"
)

var validSeverities = map[Severity]bool{
	SeverityCritical: true,
	SeverityHigh:     true,
	SeverityModerate: true,
	SeverityLow:      true,
}

// DrugNotApplicable is the explicit sentinel used when no second drug can be
// determined for an alert.
const DrugNotApplicable = "N/A"

// DDIAlert is the sole externally visible output of a screen: a graded,
// fully explained drug-drug interaction warning.
type DDIAlert struct {
	Severity            Severity `json:"severity"`
	DrugA               string   `json:"drugA"`
	DrugB               string   `json:"drugB"`
	Explanation         string   `json:"explanation"`
	ClinicalImplication string   `json:"clinicalImplication"`
	Recommendation      string   `json:"recommendation"`
}

// Validate checks that the alert is complete enough to show a clinician:
// a known severity and all four narrative fields non-empty. DrugA/DrugB are
// exempt because the orchestrator backfills them after validation.
func (a *DDIAlert) Validate() error {
	if !validSeverities[a.Severity] {
		return fmt.Errorf("invalid severity: %q", a.Severity)
	}
	if strings.TrimSpace(a.Explanation) == "" {
		return fmt.Errorf("explanation is required")
	}
	if strings.TrimSpace(a.ClinicalImplication) == "" {
		return fmt.Errorf("clinicalImplication is required")
	}
	if strings.TrimSpace(a.Recommendation) == "" {
		return fmt.Errorf("recommendation is required")
	}
	return nil
}

// ToolStatus marks a tool outcome as success or failure.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolFailure ToolStatus = "failure"
)

// ToolCall is a structured request from the reasoning engine to invoke a
// named tool with arguments. Arguments are validated against the tool's
// declared shape before dispatch.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolOutcome is the result of dispatching one ToolCall. Exactly one of the
// payload fields is set on success; Error is set on failure.
type ToolOutcome struct {
	Name     string            `json:"tool_name"`
	Status   ToolStatus        `json:"status"`
	Facts    []InteractionFact `json:"facts,omitempty"`
	Snippets []EvidenceSnippet `json:"snippets,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// TurnKind discriminates the three turn shapes a conversation can hold.
type TurnKind string

const (
	TurnUserText     TurnKind = "user_text"
	TurnToolRequest  TurnKind = "tool_request"
	TurnToolResponse TurnKind = "tool_response"
)

// ConversationTurn is one entry in the append-only conversation history.
// A history is owned by exactly one in-flight orchestration.
type ConversationTurn struct {
	Kind    TurnKind     `json:"kind"`
	Text    string       `json:"text,omitempty"`
	Request *ToolCall    `json:"request,omitempty"`
	Outcome *ToolOutcome `json:"outcome,omitempty"`
}

// UserTurn builds a plain-text turn.
func UserTurn(text string) ConversationTurn {
	return ConversationTurn{Kind: TurnUserText, Text: text}
}

// ToolRequestTurn records the engine's request to invoke a tool.
func ToolRequestTurn(call ToolCall) ConversationTurn {
	return ConversationTurn{Kind: TurnToolRequest, Request: &call}
}

// ToolResponseTurn records the outcome fed back to the engine.
func ToolResponseTurn(outcome ToolOutcome) ConversationTurn {
	return ConversationTurn{Kind: TurnToolResponse, Outcome: &outcome}
}

// InteractionAlert maps to the interaction_alert table: a persisted DDIAlert
// plus the identifying context it was generated for.
type InteractionAlert struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	UserID           string     `db:"user_id" json:"user_id"`
	PatientProfileID uuid.UUID  `db:"patient_profile_id" json:"patient_profile_id"`
	PrescriptionID   *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`
	Alert            DDIAlert   `db:"alert_data" json:"alert_data"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Medication maps to the medication table.
type Medication struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	RxNormID  *string   `db:"rx_norm_id" json:"rx_norm_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Prescription maps to the prescription table. Type is "NEW" for the
// medication under screening and "EXISTING" for the patient's current list.
type Prescription struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientProfileID uuid.UUID `db:"patient_profile_id" json:"patient_profile_id"`
	MedicationID     uuid.UUID `db:"medication_id" json:"medication_id"`
	Type             string    `db:"type" json:"type"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
