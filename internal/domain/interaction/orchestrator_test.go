package interaction

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// ── Scripted Engine ──

// scriptedEngine replays a fixed sequence of responses and records the
// history it was shown on each turn.
type scriptedEngine struct {
	steps     []engineStep
	pos       int
	histories [][]ConversationTurn
}

type engineStep struct {
	resp EngineResponse
	err  error
}

func (e *scriptedEngine) NextTurn(_ context.Context, history []ConversationTurn, _ []ToolDefinition) (EngineResponse, error) {
	e.histories = append(e.histories, append([]ConversationTurn(nil), history...))
	if e.pos >= len(e.steps) {
		return EngineResponse{}, fmt.Errorf("script exhausted after %d turns", e.pos)
	}
	step := e.steps[e.pos]
	e.pos++
	return step.resp, step.err
}

func graphCall(meds ...string) EngineResponse {
	args := make([]any, len(meds))
	for i, m := range meds {
		args[i] = m
	}
	return EngineResponse{Call: &ToolCall{Name: ToolGraphQuery, Arguments: map[string]any{"medications": args}}}
}

func evidenceCall(query string) EngineResponse {
	return EngineResponse{Call: &ToolCall{Name: ToolEvidenceRetrieve, Arguments: map[string]any{"query": query}}}
}

func finalText(s string) EngineResponse {
	return EngineResponse{Text: s}
}

const validAlertJSON = `{"severity":"High","drugA":"Warfarin","drugB":"Aspirin",` +
	`"explanation":"Additive bleeding risk","clinicalImplication":"Major bleeding",` +
	`"recommendation":"Monitor INR closely"}`

func testOrchestrator(engine ReasoningEngine) *Orchestrator {
	graph := seedGraph()
	emb := &mockEmbedder{vectors: map[string][]float32{}}
	evidence := NewMemoryEvidenceIndex(emb)
	return NewOrchestrator(engine, graph, evidence, OrchestratorConfig{}, zerolog.Nop())
}

func screenReq() ScreenRequest {
	return ScreenRequest{
		Patient: PatientContext{AgeGroup: AgeElderly, RenalStatus: true},
		Existing: []MedicationRef{
			{Name: "Warfarin"},
			{Name: "Metformin"},
		},
		Proposed: MedicationRef{Name: "Aspirin"},
	}
}

func TestOrchestrator_FullConversation(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{resp: graphCall("Warfarin", "Metformin", "Aspirin")},
		{resp: evidenceCall("warfarin aspirin bleeding")},
		{resp: finalText(validAlertJSON)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if result.Fallback {
		t.Fatal("expected engine alert, got fallback")
	}
	if result.Alert.Severity != SeverityHigh {
		t.Errorf("expected High, got %q", result.Alert.Severity)
	}
	if result.Alert.DrugA != "Warfarin" || result.Alert.DrugB != "Aspirin" {
		t.Errorf("unexpected drugs: %q / %q", result.Alert.DrugA, result.Alert.DrugB)
	}

	// seed, request, response, request, response
	if len(result.Turns) != 5 {
		t.Fatalf("expected 5 turns of history, got %d", len(result.Turns))
	}
	if result.Turns[0].Kind != TurnUserText {
		t.Error("history should start with the seed prompt")
	}
	if result.Turns[1].Kind != TurnToolRequest || result.Turns[1].Request.Name != ToolGraphQuery {
		t.Errorf("unexpected second turn: %+v", result.Turns[1])
	}
	if result.Turns[2].Kind != TurnToolResponse || result.Turns[2].Outcome.Status != ToolSuccess {
		t.Errorf("unexpected third turn: %+v", result.Turns[2])
	}
	facts := result.Turns[2].Outcome.Facts
	if len(facts) != 1 {
		t.Fatalf("expected 1 graph fact, got %d", len(facts))
	}
	if len(facts[0].ExacerbatingCharacteristics) != 1 || facts[0].ExacerbatingCharacteristics[0] != CharacteristicRenal {
		t.Errorf("expected confirmed renal exacerbation, got %v", facts[0].ExacerbatingCharacteristics)
	}
}

func TestOrchestrator_SeedPrompt(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{{resp: finalText(validAlertJSON)}}}
	o := testOrchestrator(engine)

	o.Run(context.Background(), screenReq())

	seed := engine.histories[0][0].Text
	for _, want := range []string{
		"Age group: Elderly",
		"Renal impairment: Yes",
		"Hepatic impairment: No",
		"Existing medications: Warfarin, Metformin",
		"Proposed new medication: Aspirin",
		"graph_query",
		"evidence_retrieve",
	} {
		if !strings.Contains(seed, want) {
			t.Errorf("seed prompt missing %q", want)
		}
	}
}

func TestOrchestrator_SeedPromptDefaults(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{{resp: finalText(validAlertJSON)}}}
	o := testOrchestrator(engine)

	o.Run(context.Background(), ScreenRequest{Proposed: MedicationRef{Name: "Aspirin"}})

	seed := engine.histories[0][0].Text
	if !strings.Contains(seed, "Age group: Adult") {
		t.Error("missing age group should default to Adult")
	}
	if !strings.Contains(seed, "Existing medications: none") {
		t.Error("empty medication list should render as none")
	}
}

func TestOrchestrator_EngineFailureFallsBack(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{err: fmt.Errorf("backend unavailable")},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if !result.Fallback {
		t.Fatal("expected fallback")
	}
	if result.Alert.Severity != SeverityCritical {
		t.Errorf("fallback must be Critical, got %q", result.Alert.Severity)
	}
	if err := result.Alert.Validate(); err != nil {
		t.Errorf("fallback alert must validate: %v", err)
	}
	if result.Alert.DrugA != "Aspirin" {
		t.Errorf("fallback drugA must be the proposed medication, got %q", result.Alert.DrugA)
	}
	if result.Alert.DrugB != DrugNotApplicable {
		t.Errorf("fallback drugB must be %q, got %q", DrugNotApplicable, result.Alert.DrugB)
	}
}

func TestOrchestrator_FallbackIgnoresGraphFacts(t *testing.T) {
	// Even after a successful graph lookup, the fallback keeps its fixed
	// shape: no interaction conclusion was reached, so none is reported.
	engine := &scriptedEngine{steps: []engineStep{
		{resp: graphCall("Warfarin", "Aspirin")},
		{err: fmt.Errorf("backend unavailable")},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if !result.Fallback {
		t.Fatal("expected fallback")
	}
	if result.Alert.DrugA != "Aspirin" || result.Alert.DrugB != DrugNotApplicable {
		t.Errorf("expected Aspirin / %s, got %q / %q", DrugNotApplicable, result.Alert.DrugA, result.Alert.DrugB)
	}
}

func TestOrchestrator_FallbackBlankProposed(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{err: fmt.Errorf("backend unavailable")},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), ScreenRequest{})
	if !result.Fallback {
		t.Fatal("expected fallback")
	}
	if result.Alert.DrugA != DrugNotApplicable || result.Alert.DrugB != DrugNotApplicable {
		t.Errorf("expected N/A sentinels, got %q / %q", result.Alert.DrugA, result.Alert.DrugB)
	}
}

func TestOrchestrator_CorrectionThenValid(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{resp: finalText("The combination looks risky to me.")},
		{resp: finalText(validAlertJSON)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if result.Fallback {
		t.Fatal("expected engine alert after correction, got fallback")
	}
	if result.Alert.Severity != SeverityHigh {
		t.Errorf("expected High, got %q", result.Alert.Severity)
	}

	// Second engine call must have seen the correction prompt appended.
	if len(engine.histories) != 2 {
		t.Fatalf("expected 2 engine calls, got %d", len(engine.histories))
	}
	last := engine.histories[1][len(engine.histories[1])-1]
	if last.Kind != TurnUserText || !strings.Contains(last.Text, "not a valid alert object") {
		t.Errorf("expected correction prompt as last turn, got %+v", last)
	}
}

func TestOrchestrator_CorrectionOnlyOnce(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{resp: finalText("nope")},
		{resp: finalText("still nope")},
		{resp: finalText(validAlertJSON)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if !result.Fallback {
		t.Fatal("second invalid payload must fall back, not get another correction")
	}
	if len(engine.histories) != 2 {
		t.Errorf("expected exactly 2 engine calls, got %d", len(engine.histories))
	}
}

func TestOrchestrator_TurnBudgetExhausted(t *testing.T) {
	var steps []engineStep
	for i := 0; i < 20; i++ {
		steps = append(steps, engineStep{resp: graphCall("Warfarin", "Aspirin")})
	}
	engine := &scriptedEngine{steps: steps}
	graph := seedGraph()
	o := NewOrchestrator(engine, graph, NewMemoryEvidenceIndex(&mockEmbedder{}),
		OrchestratorConfig{MaxTurns: 4}, zerolog.Nop())

	result := o.Run(context.Background(), screenReq())
	if !result.Fallback {
		t.Fatal("expected fallback on exhausted budget")
	}
	if len(engine.histories) != 4 {
		t.Errorf("expected exactly 4 engine calls, got %d", len(engine.histories))
	}
}

func TestOrchestrator_CancelledContextFallsBack(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{{resp: finalText(validAlertJSON)}}}
	o := testOrchestrator(engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := o.Run(ctx, screenReq())
	if !result.Fallback {
		t.Fatal("expected fallback on cancelled context")
	}
	if len(engine.histories) != 0 {
		t.Errorf("engine should not be called after cancellation, got %d calls", len(engine.histories))
	}
}

func TestOrchestrator_ToolFailureContinuesConversation(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{resp: EngineResponse{Call: &ToolCall{Name: ToolGraphQuery, Arguments: map[string]any{}}}},
		{resp: finalText(validAlertJSON)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if result.Fallback {
		t.Fatal("tool failure must not abort the conversation")
	}

	// The failure outcome is fed back to the engine.
	second := engine.histories[1]
	last := second[len(second)-1]
	if last.Kind != TurnToolResponse || last.Outcome.Status != ToolFailure {
		t.Errorf("expected failure outcome in history, got %+v", last)
	}
	if last.Outcome.Error == "" {
		t.Error("failure outcome should carry the validation error")
	}
}

func TestOrchestrator_UnknownToolFails(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{resp: EngineResponse{Call: &ToolCall{Name: "drop_tables"}}},
		{resp: finalText(validAlertJSON)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if result.Fallback {
		t.Fatal("unknown tool must not abort the conversation")
	}
	outcome := result.Turns[2].Outcome
	if outcome.Status != ToolFailure || !strings.Contains(outcome.Error, "unknown tool") {
		t.Errorf("expected unknown-tool failure, got %+v", outcome)
	}
}

func TestOrchestrator_EmptyGraphResultIsSuccess(t *testing.T) {
	engine := &scriptedEngine{steps: []engineStep{
		{resp: graphCall("Metformin", "Lisinopril")},
		{resp: finalText(`{"severity":"Low","drugA":"Metformin","drugB":"Lisinopril",` +
			`"explanation":"No known interaction found","clinicalImplication":"None expected",` +
			`"recommendation":"Proceed with routine monitoring"}`)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if result.Fallback {
		t.Fatal("expected engine alert")
	}
	outcome := result.Turns[2].Outcome
	if outcome.Status != ToolSuccess {
		t.Errorf("empty graph result must be a success outcome, got %+v", outcome)
	}
	if outcome.Facts == nil || len(outcome.Facts) != 0 {
		t.Errorf("expected empty non-nil fact list, got %v", outcome.Facts)
	}
	if result.Alert.Severity != SeverityLow {
		t.Errorf("expected Low, got %q", result.Alert.Severity)
	}
}

func TestOrchestrator_BackfillFromLastFacts(t *testing.T) {
	noDrugs := `{"severity":"High","explanation":"Bleeding risk",` +
		`"clinicalImplication":"Major bleeding","recommendation":"Monitor INR"}`
	engine := &scriptedEngine{steps: []engineStep{
		{resp: graphCall("Warfarin", "Aspirin")},
		{resp: finalText(noDrugs)},
	}}
	o := testOrchestrator(engine)

	result := o.Run(context.Background(), screenReq())
	if result.Fallback {
		t.Fatal("expected engine alert")
	}
	if result.Alert.DrugA != "Warfarin" || result.Alert.DrugB != "Aspirin" {
		t.Errorf("expected backfill from graph facts, got %q / %q", result.Alert.DrugA, result.Alert.DrugB)
	}
}

func TestOrchestratorConfig_Defaults(t *testing.T) {
	cfg := OrchestratorConfig{}.withDefaults()
	if cfg.MaxTurns != DefaultMaxTurns {
		t.Errorf("expected %d max turns, got %d", DefaultMaxTurns, cfg.MaxTurns)
	}
	if cfg.EngineTimeout != DefaultEngineTimeout || cfg.ToolTimeout != DefaultToolTimeout {
		t.Errorf("unexpected timeouts: %v / %v", cfg.EngineTimeout, cfg.ToolTimeout)
	}
	if cfg.EvidenceTopK != DefaultEvidenceTopK {
		t.Errorf("expected top_k %d, got %d", DefaultEvidenceTopK, cfg.EvidenceTopK)
	}

	custom := OrchestratorConfig{MaxTurns: 5, EvidenceTopK: 7}.withDefaults()
	if custom.MaxTurns != 5 || custom.EvidenceTopK != 7 {
		t.Errorf("explicit values should be kept: %+v", custom)
	}
}
