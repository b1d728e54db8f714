// Package flow implements the appointment dialogue: greeting, patient
// identification, specialty capture, availability, confirmation, goodbye.
// Identification runs in two stages: first the caller says the whole RUT
// and the webhook-validated value wins; if that fails, the flow falls back
// to capturing the body and the check digit separately, validated locally
// by modulus 11. Every handler is a pure function of the turn context; the
// only side channel is the identifier lookup, which reads what the
// validation webhook already stored.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/altavoz-cl/altavoz/internal/engine"
	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/rut"
)

// Static prompt names under the sounds root. promptgen renders these.
const (
	PromptGreeting      = "voicebot/greeting"
	PromptAskRUT        = "voicebot/ask_rut"
	PromptAskBody       = "voicebot/ask_body"
	PromptAskDV         = "voicebot/ask_dv"
	PromptRUTRetry      = "voicebot/rut_retry"
	PromptStillThere    = "voicebot/still_there"
	PromptAskSpecialty  = "voicebot/ask_specialty"
	PromptTransferAgent = "voicebot/transfer_agent"
	PromptGoodbye       = "voicebot/goodbye"
)

// maxRUTAttempts caps each piecewise capture stage before the call is
// handed off.
const maxRUTAttempts = 3

// Scheduler answers availability questions for a specialty.
type Scheduler interface {
	NextSlots(ctx context.Context, specialty string) ([]string, error)
}

// StaticScheduler is a deterministic in-process schedule, enough for a
// single-clinic deployment where the real agenda lives behind the webhook
// backend.
type StaticScheduler struct {
	Slots map[string][]string
}

// DefaultScheduler returns the built-in agenda.
func DefaultScheduler() *StaticScheduler {
	return &StaticScheduler{Slots: map[string][]string{
		"medicina general": {"mañana a las 10:30", "el jueves a las 16:00"},
		"pediatria":        {"el miércoles a las 09:00", "el viernes a las 11:30"},
		"dermatologia":     {"el lunes a las 15:00"},
		"traumatologia":    {"mañana a las 12:00", "el martes a las 17:30"},
		"oftalmologia":     {"el jueves a las 10:00"},
		"ginecologia":      {"el viernes a las 14:30", "el lunes a las 09:30"},
	}}
}

func (s *StaticScheduler) NextSlots(_ context.Context, specialty string) ([]string, error) {
	return s.Slots[specialty], nil
}

var _ Scheduler = (*StaticScheduler)(nil)

// LookupFunc resolves the validated identifier for a call, if the capture
// stage already produced one.
type LookupFunc func(ctx context.Context, sessionID string) (string, bool)

// Flow is the domain port for the appointment dialogue.
type Flow struct {
	scheduler Scheduler
	lookupRUT LookupFunc
	log       *slog.Logger
}

var _ engine.Port = (*Flow)(nil)

// New builds the dialogue. lookup may be nil; the flow then relies solely on
// parsing the turn transcript.
func New(scheduler Scheduler, lookup LookupFunc, log *slog.Logger) *Flow {
	if scheduler == nil {
		scheduler = DefaultScheduler()
	}
	return &Flow{scheduler: scheduler, lookupRUT: lookup, log: log}
}

// Handle implements [engine.Port].
func (f *Flow) Handle(ctx context.Context, dc engine.DomainContext) (engine.DomainResult, error) {
	switch dc.Event {
	case engine.EventInit:
		return engine.DomainResult{
			Action:            engine.ActionPlayAudio,
			Audio:             PromptGreeting,
			NextPhase:         phase.ListenRUT,
			EnableIncremental: true,
		}, nil
	case engine.EventGoodbye:
		return f.goodbye(), nil
	case engine.EventNoInput:
		return f.noInput(ctx, dc), nil
	case engine.EventTurn:
		return f.turn(ctx, dc)
	}
	return engine.DomainResult{}, fmt.Errorf("flow: unknown event %q", dc.Event)
}

func (f *Flow) goodbye() engine.DomainResult {
	return engine.DomainResult{
		Action:       engine.ActionPlayAudio,
		Audio:        PromptGoodbye,
		NextPhase:    phase.Goodbye,
		Silent:       true,
		ShouldHangup: true,
	}
}

// noInput re-prompts after a silent turn. Phases that deny playback carry
// the prompt on a transition to one that allows it, or bounce through the
// offer phase.
func (f *Flow) noInput(ctx context.Context, dc engine.DomainContext) engine.DomainResult {
	switch dc.Phase {
	case phase.ListenRUT:
		// A late webhook validation may have landed during the silence.
		if f.lookupRUT != nil {
			if id, ok := f.lookupRUT(ctx, dc.SessionID); ok {
				return f.rutAccepted(dc, id)
			}
		}
		return engine.DomainResult{
			Action:    engine.ActionPlayAudio,
			Audio:     PromptStillThere,
			NextPhase: phase.WaitBody,
		}
	case phase.AskSpecialty:
		return engine.DomainResult{Action: engine.ActionPlayAudio, Audio: PromptAskSpecialty}
	case phase.ListenOption, phase.ListenConfirmation:
		return engine.DomainResult{
			Action:    engine.ActionWaitInput,
			NextPhase: phase.InformAvailability,
			Silent:    true,
		}
	default:
		return engine.DomainResult{Action: engine.ActionPlayAudio, Audio: PromptStillThere}
	}
}

func (f *Flow) turn(ctx context.Context, dc engine.DomainContext) (engine.DomainResult, error) {
	switch dc.Phase {
	case phase.ListenRUT:
		return f.captureRUT(ctx, dc), nil
	case phase.WaitBody:
		return f.captureBody(ctx, dc), nil
	case phase.WaitDV:
		return f.captureDV(dc), nil
	case phase.Confirm:
		return f.confirmRUT(dc), nil
	case phase.AskSpecialty:
		return f.captureSpecialty(dc), nil
	case phase.CheckAvailability:
		return f.checkAvailability(ctx, dc)
	case phase.InformAvailability:
		return f.informAvailability(dc), nil
	case phase.ListenOption:
		return f.chooseSlot(dc), nil
	case phase.ListenConfirmation:
		return f.confirmSlot(dc), nil
	case phase.Finalize:
		return engine.DomainResult{
			Action:    engine.ActionSayText,
			Text:      "Le enviaremos un recordatorio al número desde el cual nos llama. Gracias por preferir nuestra clínica.",
			NextPhase: phase.Goodbye,
			Silent:    true,
		}, nil
	case phase.Goodbye:
		return f.goodbye(), nil
	case phase.EndCall:
		return engine.DomainResult{Action: engine.ActionHangup, ShouldHangup: true}, nil
	default:
		// NONE or an unexpected phase: restart identification in the
		// piecewise phase, which can both speak and listen.
		return engine.DomainResult{
			Action:    engine.ActionPlayAudio,
			Audio:     PromptAskRUT,
			NextPhase: phase.WaitBody,
		}, nil
	}
}

// captureRUT resolves the caller's identifier from a whole-RUT utterance:
// the webhook-validated value wins, a directly parseable transcript is
// second. A check-digit mismatch proposes the corrected RUT; anything else
// falls back to piece-by-piece capture.
func (f *Flow) captureRUT(ctx context.Context, dc engine.DomainContext) engine.DomainResult {
	if f.lookupRUT != nil {
		if id, ok := f.lookupRUT(ctx, dc.SessionID); ok {
			return f.rutAccepted(dc, id)
		}
	}
	res := rut.Parse(dc.Transcript)
	if res.OK {
		return f.rutAccepted(dc, res.RUT)
	}
	if res.Reason == rut.ReasonDVMismatch {
		return f.proposeRUT(dc, res.Body, res.ExpectedDV)
	}
	return engine.DomainResult{
		Action:    engine.ActionPlayAudio,
		Audio:     PromptAskBody,
		NextPhase: phase.WaitBody,
	}
}

// proposeRUT reads the corrected check digit back to the caller and asks
// for a yes/no.
func (f *Flow) proposeRUT(dc engine.DomainContext, body int, dv string) engine.DomainResult {
	return engine.DomainResult{
		Action:     engine.ActionSayText,
		Text:       "Escuché el RUT terminado en " + dvWord(dv) + ". ¿Es correcto? Responda sí o no.",
		NextPhase:  phase.Confirm,
		StatePatch: map[string]any{"pending_rut": rut.Format(body, dv)},
	}
}

// confirmRUT resolves the yes/no on a proposed RUT. A "no" clears every
// capture counter and starts the piecewise round from the body.
func (f *Flow) confirmRUT(dc engine.DomainContext) engine.DomainResult {
	pending, _ := dc.State["pending_rut"].(string)
	if pending == "" {
		return f.restartPiecewise()
	}
	switch classifyYesNo(dc.Transcript) {
	case answerYes:
		return f.rutAccepted(dc, pending)
	case answerNo:
		return f.restartPiecewise()
	default:
		return engine.DomainResult{
			Action: engine.ActionSayText,
			Text:   "¿Es correcto el RUT? Responda sí o no, por favor.",
		}
	}
}

func (f *Flow) restartPiecewise() engine.DomainResult {
	return engine.DomainResult{
		Action:    engine.ActionPlayAudio,
		Audio:     PromptAskBody,
		NextPhase: phase.WaitBody,
		StatePatch: map[string]any{
			"pending_rut":   "",
			"rut_body":      0,
			"body_attempts": 0,
			"dv_attempts":   0,
		},
	}
}

// captureBody handles the body stage. A full RUT said here still counts;
// a bare in-range body advances to the check-digit stage.
func (f *Flow) captureBody(ctx context.Context, dc engine.DomainContext) engine.DomainResult {
	if f.lookupRUT != nil {
		if id, ok := f.lookupRUT(ctx, dc.SessionID); ok {
			return f.rutAccepted(dc, id)
		}
	}
	res := rut.Parse(dc.Transcript)
	switch {
	case res.OK:
		return f.rutAccepted(dc, res.RUT)
	case res.Reason == rut.ReasonDVMismatch:
		return f.proposeRUT(dc, res.Body, res.ExpectedDV)
	case res.Reason == rut.ReasonMissingDV:
		return engine.DomainResult{
			Action:    engine.ActionPlayAudio,
			Audio:     PromptAskDV,
			NextPhase: phase.WaitDV,
			StatePatch: map[string]any{
				"rut_body":    res.Body,
				"dv_attempts": 0,
			},
		}
	}

	attempts := stateInt(dc.State, "body_attempts") + 1
	if attempts >= maxRUTAttempts {
		return f.identificationFailed(dc)
	}
	return engine.DomainResult{
		Action:     engine.ActionPlayAudio,
		Audio:      PromptRUTRetry,
		StatePatch: map[string]any{"body_attempts": attempts},
	}
}

// captureDV handles the check-digit stage against the stored body. A digit
// that contradicts the modulus-11 computation proposes the corrected RUT
// instead of accepting it.
func (f *Flow) captureDV(dc engine.DomainContext) engine.DomainResult {
	body := stateInt(dc.State, "rut_body")
	if body == 0 {
		return f.restartPiecewise()
	}
	dv, ok := rut.ParseDV(dc.Transcript)
	if !ok {
		attempts := stateInt(dc.State, "dv_attempts") + 1
		if attempts >= maxRUTAttempts {
			return f.identificationFailed(dc)
		}
		return engine.DomainResult{
			Action:     engine.ActionPlayAudio,
			Audio:      PromptAskDV,
			StatePatch: map[string]any{"dv_attempts": attempts},
		}
	}
	if expected := rut.ComputeDV(body); dv != expected {
		return f.proposeRUT(dc, body, expected)
	}
	return f.rutAccepted(dc, rut.Format(body, dv))
}

// identificationFailed hands the caller off after the capture stages are
// exhausted: transfer prompt, then hangup.
func (f *Flow) identificationFailed(dc engine.DomainContext) engine.DomainResult {
	f.log.Info("identification exhausted, transferring out", "linked_id", dc.SessionID)
	return engine.DomainResult{
		Action:       engine.ActionPlayAudio,
		Audio:        PromptTransferAgent,
		NextPhase:    phase.Goodbye,
		Silent:       true,
		ShouldHangup: true,
	}
}

func (f *Flow) rutAccepted(dc engine.DomainContext, id string) engine.DomainResult {
	f.log.Info("caller identified", "linked_id", dc.SessionID)
	return engine.DomainResult{
		Action:             engine.ActionSayText,
		Text:               "Gracias. ¿Qué especialidad necesita?",
		NextPhase:          phase.AskSpecialty,
		StatePatch:         map[string]any{"rut": id},
		DisableIncremental: true,
	}
}

func (f *Flow) captureSpecialty(dc engine.DomainContext) engine.DomainResult {
	specialty, ok := matchSpecialty(dc.Transcript)
	if !ok {
		return engine.DomainResult{
			Action: engine.ActionSayText,
			Text:   "No le entendí. Contamos con medicina general, pediatría, dermatología, traumatología, oftalmología y ginecología. ¿Cuál necesita?",
		}
	}
	return engine.DomainResult{
		Action:     engine.ActionSayText,
		Text:       "Un momento, reviso la agenda de " + specialty + ".",
		NextPhase:  phase.CheckAvailability,
		StatePatch: map[string]any{"specialty": specialty},
		Silent:     true,
	}
}

func (f *Flow) checkAvailability(ctx context.Context, dc engine.DomainContext) (engine.DomainResult, error) {
	specialty, _ := dc.State["specialty"].(string)
	slots, err := f.scheduler.NextSlots(ctx, specialty)
	if err != nil {
		return engine.DomainResult{}, fmt.Errorf("flow: check availability: %w", err)
	}
	if len(slots) == 0 {
		return engine.DomainResult{
			Action:    engine.ActionSayText,
			Text:      "Lo siento, por ahora no tenemos horas disponibles en " + specialty + ". Le sugiero llamar nuevamente mañana.",
			NextPhase: phase.Goodbye,
			Silent:    true,
		}, nil
	}
	return engine.DomainResult{
		Action:     engine.ActionWaitInput,
		NextPhase:  phase.InformAvailability,
		StatePatch: map[string]any{"slots": slots, "slot_index": 0},
		Silent:     true,
	}, nil
}

// informAvailability offers the next slot, or the next pair when two or
// more remain: a pair goes to option selection, a lone slot to yes/no.
func (f *Flow) informAvailability(dc engine.DomainContext) engine.DomainResult {
	slots, _ := dc.State["slots"].([]string)
	idx := stateInt(dc.State, "slot_index")
	if idx >= len(slots) {
		return engine.DomainResult{
			Action:    engine.ActionSayText,
			Text:      "No me quedan más horarios que ofrecerle por esta vía.",
			NextPhase: phase.Goodbye,
			Silent:    true,
		}
	}
	if idx+1 < len(slots) {
		return engine.DomainResult{
			Action:    engine.ActionSayText,
			Text:      "Tengo disponible " + slots[idx] + " y también " + slots[idx+1] + ". ¿Cuál prefiere, la primera o la segunda?",
			NextPhase: phase.ListenOption,
		}
	}
	return engine.DomainResult{
		Action:    engine.ActionSayText,
		Text:      "Tengo disponible " + slots[idx] + ". ¿Le acomoda?",
		NextPhase: phase.ListenConfirmation,
	}
}

// chooseSlot resolves a first/second/neither answer on an offered pair.
// LISTEN_OPTION cannot speak, so every re-ask bounces through the offer
// phase.
func (f *Flow) chooseSlot(dc engine.DomainContext) engine.DomainResult {
	slots, _ := dc.State["slots"].([]string)
	idx := stateInt(dc.State, "slot_index")
	switch classifyOption(dc.Transcript) {
	case optionFirst:
		return f.slotConfirmed(dc, slots, idx)
	case optionSecond:
		return f.slotConfirmed(dc, slots, idx+1)
	case optionNone:
		return engine.DomainResult{
			Action:     engine.ActionWaitInput,
			NextPhase:  phase.InformAvailability,
			StatePatch: map[string]any{"slot_index": idx + 2},
			Silent:     true,
		}
	default:
		return engine.DomainResult{
			Action:    engine.ActionWaitInput,
			NextPhase: phase.InformAvailability,
			Silent:    true,
		}
	}
}

// confirmSlot resolves the yes/no on a lone offered slot. LISTEN_CONFIRMATION
// cannot speak either; unknown answers bounce back to the offer.
func (f *Flow) confirmSlot(dc engine.DomainContext) engine.DomainResult {
	slots, _ := dc.State["slots"].([]string)
	idx := stateInt(dc.State, "slot_index")

	switch classifyYesNo(dc.Transcript) {
	case answerYes:
		return f.slotConfirmed(dc, slots, idx)
	case answerNo:
		return engine.DomainResult{
			Action:     engine.ActionWaitInput,
			NextPhase:  phase.InformAvailability,
			StatePatch: map[string]any{"slot_index": idx + 1},
			Silent:     true,
		}
	default:
		return engine.DomainResult{
			Action:    engine.ActionWaitInput,
			NextPhase: phase.InformAvailability,
			Silent:    true,
		}
	}
}

func (f *Flow) slotConfirmed(dc engine.DomainContext, slots []string, idx int) engine.DomainResult {
	if idx >= len(slots) {
		return engine.DomainResult{
			Action:    engine.ActionWaitInput,
			NextPhase: phase.InformAvailability,
			Silent:    true,
		}
	}
	f.log.Info("slot confirmed", "linked_id", dc.SessionID, "slot", slots[idx])
	return engine.DomainResult{
		Action:     engine.ActionSayText,
		Text:       "Perfecto, su hora quedó agendada para " + slots[idx] + ".",
		NextPhase:  phase.Finalize,
		StatePatch: map[string]any{"confirmed_slot": slots[idx]},
		Silent:     true,
	}
}

func stateInt(state map[string]any, key string) int {
	if v, ok := state[key].(int); ok {
		return v
	}
	return 0
}

type answer int

const (
	answerUnknown answer = iota
	answerYes
	answerNo
)

var yesWords = []string{"sí", "si", "ya", "claro", "perfecto", "de acuerdo", "me acomoda", "bueno", "ok", "correcto"}
var noWords = []string{"no", "otra", "otro horario", "imposible", "incorrecto"}

var punctFold = strings.NewReplacer(
	",", " ", ".", " ", ";", " ", "!", " ", "?", " ", "¿", " ", "¡", " ",
)

func classifyYesNo(transcript string) answer {
	t := " " + punctFold.Replace(normalize(transcript)) + " "
	for _, w := range noWords {
		if strings.Contains(t, " "+normalize(w)+" ") {
			return answerNo
		}
	}
	for _, w := range yesWords {
		if strings.Contains(t, " "+normalize(w)+" ") {
			return answerYes
		}
	}
	return answerUnknown
}

type option int

const (
	optionUnknown option = iota
	optionFirst
	optionSecond
	optionNone
)

var noneWords = []string{"ninguna", "ninguno", "no me sirve", "otra fecha"}
var secondWords = []string{"segunda", "segundo", "la dos", "dos"}
var firstWords = []string{"primera", "primero", "la una", "la uno", "uno"}

// classifyOption picks one of an offered pair. Neither-of-them wording is
// checked first so "ninguno de los dos" never reads as "dos".
func classifyOption(transcript string) option {
	t := " " + punctFold.Replace(normalize(transcript)) + " "
	for _, w := range noneWords {
		if strings.Contains(t, " "+normalize(w)+" ") {
			return optionNone
		}
	}
	if strings.TrimSpace(t) == "no" {
		return optionNone
	}
	for _, w := range secondWords {
		if strings.Contains(t, " "+normalize(w)+" ") {
			return optionSecond
		}
	}
	for _, w := range firstWords {
		if strings.Contains(t, " "+normalize(w)+" ") {
			return optionFirst
		}
	}
	return optionUnknown
}

var specialties = []string{
	"medicina general", "pediatria", "dermatologia",
	"traumatologia", "oftalmologia", "ginecologia",
}

// matchSpecialty finds a known specialty in the transcript, ignoring accents
// and case. "medicina" alone counts as medicina general.
func matchSpecialty(transcript string) (string, bool) {
	t := normalize(transcript)
	for _, s := range specialties {
		if strings.Contains(t, s) {
			return s, true
		}
	}
	if strings.Contains(t, "medicina") || strings.Contains(t, "general") {
		return "medicina general", true
	}
	return "", false
}

var dvWords = map[string]string{
	"0": "cero", "1": "uno", "2": "dos", "3": "tres", "4": "cuatro",
	"5": "cinco", "6": "seis", "7": "siete", "8": "ocho", "9": "nueve",
	"K": "ka",
}

// dvWord spells a check digit for TTS so "K" reads as "ka" and "0" as
// "cero".
func dvWord(dv string) string {
	if w, ok := dvWords[dv]; ok {
		return w
	}
	return dv
}

var accentFold = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u",
)

func normalize(text string) string {
	return accentFold.Replace(strings.ToLower(strings.TrimSpace(text)))
}
