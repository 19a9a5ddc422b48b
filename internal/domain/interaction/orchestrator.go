package interaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Orchestrator defaults, overridable via OrchestratorConfig.
const (
	DefaultMaxTurns      = 10
	DefaultEngineTimeout = 30 * time.Second
	DefaultToolTimeout   = 10 * time.Second
	DefaultEvidenceTopK  = 3
)

// OrchestratorConfig bounds one conversation: how many engine turns it may
// consume and how long each outbound call may take.
type OrchestratorConfig struct {
	MaxTurns      int
	EngineTimeout time.Duration
	ToolTimeout   time.Duration
	EvidenceTopK  int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxTurns < 1 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = DefaultEngineTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.EvidenceTopK < 1 {
		c.EvidenceTopK = DefaultEvidenceTopK
	}
	return c
}

// ScreenRequest is one interaction screen: the patient's context, their
// current medications, and the medication being proposed.
type ScreenRequest struct {
	Patient  PatientContext
	Existing []MedicationRef
	Proposed MedicationRef
}

// ScreenResult is the outcome of one orchestration. Fallback marks alerts
// produced by the deterministic safety path rather than the engine; Turns is
// the full conversation history, kept for observability and tests.
type ScreenResult struct {
	Alert    DDIAlert
	Fallback bool
	Turns    []ConversationTurn
}

// Orchestrator drives one reasoning conversation per screen request. It owns
// the conversation history, dispatches the engine's tool calls against the
// graph store and evidence index, validates the final payload, and degrades
// to a deterministic Critical alert whenever the engine cannot produce a
// valid one. Instances are stateless across calls and safe for concurrent
// use; each Run owns its own history.
type Orchestrator struct {
	engine   ReasoningEngine
	graph    GraphStore
	evidence EvidenceIndex
	tools    []ToolDefinition
	cfg      OrchestratorConfig
	log      zerolog.Logger
}

// NewOrchestrator wires an orchestrator over the given engine and stores.
func NewOrchestrator(engine ReasoningEngine, graph GraphStore, evidence EvidenceIndex, cfg OrchestratorConfig, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		graph:    graph,
		evidence: evidence,
		tools:    ToolCatalogue(),
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

const correctionPrompt = `Your previous response was not a valid alert object. Respond again with ` +
	`only a single JSON object with the fields "severity" (one of "Critical", "High", "Moderate", "Low"), ` +
	`"drugA", "drugB", "explanation", "clinicalImplication" and "recommendation". ` +
	`Do not include any other text or code fences.`

// Run executes the conversation to completion. It always returns an alert:
// engine failures, invalid payloads, exhausted turn budgets and context
// cancellation all collapse to the deterministic fallback.
func (o *Orchestrator) Run(ctx context.Context, req ScreenRequest) ScreenResult {
	history := []ConversationTurn{UserTurn(o.seedPrompt(req))}
	var lastFacts []InteractionFact
	correctionUsed := false

	for turn := 0; turn < o.cfg.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			o.log.Warn().Err(err).Int("turn", turn).Msg("screen cancelled, using fallback alert")
			return o.fallback(req, history)
		}

		resp, err := o.nextTurn(ctx, history)
		if err != nil {
			o.log.Warn().Err(err).Int("turn", turn).Msg("reasoning engine failed, using fallback alert")
			return o.fallback(req, history)
		}

		if resp.Call != nil {
			call := *resp.Call
			o.log.Debug().Int("turn", turn).Str("tool", call.Name).Msg("dispatching tool call")
			history = append(history, ToolRequestTurn(call))
			outcome := o.dispatch(ctx, call, req.Patient)
			if outcome.Status == ToolFailure {
				o.log.Warn().Int("turn", turn).Str("tool", call.Name).Str("error", outcome.Error).Msg("tool call failed")
			}
			if outcome.Status == ToolSuccess && call.Name == ToolGraphQuery && len(outcome.Facts) > 0 {
				lastFacts = outcome.Facts
			}
			history = append(history, ToolResponseTurn(outcome))
			continue
		}

		alert, err := ParseAlertPayload(resp.Text)
		if err != nil {
			if !correctionUsed {
				correctionUsed = true
				o.log.Warn().Err(err).Int("turn", turn).Msg("invalid alert payload, requesting correction")
				history = append(history, UserTurn(correctionPrompt))
				continue
			}
			o.log.Warn().Err(err).Int("turn", turn).Msg("invalid alert payload after correction, using fallback alert")
			return o.fallback(req, history)
		}

		o.backfillDrugs(&alert, lastFacts, req)
		o.log.Info().Int("turns", turn+1).Str("severity", string(alert.Severity)).Msg("screen complete")
		return ScreenResult{Alert: alert, Turns: history}
	}

	o.log.Warn().Int("max_turns", o.cfg.MaxTurns).Msg("turn budget exhausted, using fallback alert")
	return o.fallback(req, history)
}

func (o *Orchestrator) nextTurn(ctx context.Context, history []ConversationTurn) (EngineResponse, error) {
	ectx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()
	return o.engine.NextTurn(ectx, history, o.tools)
}

// dispatch validates and executes one tool call. Failures are returned as
// failure outcomes for the engine to react to, never as errors: a broken
// tool call must not abort the conversation.
func (o *Orchestrator) dispatch(ctx context.Context, call ToolCall, pc PatientContext) ToolOutcome {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	switch call.Name {
	case ToolGraphQuery:
		meds, err := DecodeGraphQueryArgs(call.Arguments)
		if err != nil {
			return ToolOutcome{Name: call.Name, Status: ToolFailure, Error: err.Error()}
		}
		facts, err := o.graph.FindInteractions(tctx, meds, pc)
		if err != nil {
			return ToolOutcome{Name: call.Name, Status: ToolFailure, Error: err.Error()}
		}
		if facts == nil {
			facts = []InteractionFact{}
		}
		return ToolOutcome{Name: call.Name, Status: ToolSuccess, Facts: facts}

	case ToolEvidenceRetrieve:
		query, topK, err := DecodeEvidenceArgs(call.Arguments, o.cfg.EvidenceTopK)
		if err != nil {
			return ToolOutcome{Name: call.Name, Status: ToolFailure, Error: err.Error()}
		}
		snippets, err := o.evidence.Retrieve(tctx, query, topK)
		if err != nil {
			return ToolOutcome{Name: call.Name, Status: ToolFailure, Error: err.Error()}
		}
		if snippets == nil {
			snippets = []EvidenceSnippet{}
		}
		return ToolOutcome{Name: call.Name, Status: ToolSuccess, Snippets: snippets}
	}

	return ToolOutcome{Name: call.Name, Status: ToolFailure, Error: fmt.Sprintf("unknown tool: %s", call.Name)}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func (o *Orchestrator) seedPrompt(req ScreenRequest) string {
	var existing []string
	for _, m := range req.Existing {
		if strings.TrimSpace(m.Name) != "" {
			existing = append(existing, m.Name)
		}
	}
	existingList := "none"
	if len(existing) > 0 {
		existingList = strings.Join(existing, ", ")
	}
	ageGroup := string(req.Patient.AgeGroup)
	if ageGroup == "" {
		ageGroup = string(AgeAdult)
	}

	var b strings.Builder
	b.WriteString("You are a clinical decision support assistant screening a proposed prescription ")
	b.WriteString("for drug-drug interactions.\n\n")
	fmt.Fprintf(&b, "Patient profile:\n- Age group: %s\n- Renal impairment: %s\n- Hepatic impairment: %s\n- Cardiac disease: %s\n\n",
		ageGroup, yesNo(req.Patient.RenalStatus), yesNo(req.Patient.HepaticStatus), yesNo(req.Patient.CardiacStatus))
	fmt.Fprintf(&b, "Existing medications: %s\nProposed new medication: %s\n\n", existingList, req.Proposed.Name)
	b.WriteString("Use the graph_query tool to check the interaction knowledge graph and the ")
	b.WriteString("evidence_retrieve tool to gather supporting literature before you answer. ")
	b.WriteString("When you have enough information, respond with only a single JSON object with the fields ")
	b.WriteString(`"severity" (one of "Critical", "High", "Moderate", "Low"), "drugA", "drugB", `)
	b.WriteString(`"explanation", "clinicalImplication" and "recommendation". `)
	b.WriteString("If no interaction is found, report severity \"Low\" and say so in the explanation.")
	return b.String()
}

// backfillDrugs fills missing drug names after validation: the last
// successful graph lookup wins, then the screen's own medication list, then
// the explicit N/A sentinel.
func (o *Orchestrator) backfillDrugs(alert *DDIAlert, lastFacts []InteractionFact, req ScreenRequest) {
	a := strings.TrimSpace(alert.DrugA)
	b := strings.TrimSpace(alert.DrugB)
	if a == "" || b == "" {
		var ca, cb string
		if len(lastFacts) > 0 {
			ca, cb = lastFacts[0].DrugA, lastFacts[0].DrugB
		} else {
			ca = strings.TrimSpace(req.Proposed.Name)
			if len(req.Existing) > 0 {
				cb = strings.TrimSpace(req.Existing[0].Name)
			}
		}
		if a == "" {
			a = ca
		}
		if b == "" {
			b = cb
		}
	}
	if a == "" {
		a = DrugNotApplicable
	}
	if b == "" {
		b = DrugNotApplicable
	}
	alert.DrugA, alert.DrugB = a, b
}

// fallback produces the deterministic safety alert. It grades Critical on
// purpose: when the analysis cannot complete, the safe assumption is that
// the combination is dangerous until a human reviews it. The drug fields
// are fixed, never inferred: drugA names the proposed medication the screen
// was asked about, drugB carries the N/A sentinel because no interaction
// partner was ever established.
func (o *Orchestrator) fallback(req ScreenRequest, history []ConversationTurn) ScreenResult {
	drugA := strings.TrimSpace(req.Proposed.Name)
	if drugA == "" {
		drugA = DrugNotApplicable
	}
	alert := DDIAlert{
		Severity:            SeverityCritical,
		DrugA:               drugA,
		DrugB:               DrugNotApplicable,
		Explanation:         "Automated interaction analysis did not complete for this medication combination.",
		ClinicalImplication: "The interaction risk of this combination is unknown.",
		Recommendation:      "Do not rely on this screen. Review the combination manually with a pharmacist before prescribing.",
	}
	return ScreenResult{Alert: alert, Fallback: true, Turns: history}
}
