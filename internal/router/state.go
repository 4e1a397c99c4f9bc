package router

import (
	"log/slog"
	"time"

	"combo-gateway/internal/account"
	"combo-gateway/internal/fallback"
	"combo-gateway/internal/models"
	"combo-gateway/internal/translator"
)

// State is a step of the request pipeline.
type State int

const (
	Received State = iota
	Detected
	Translated
	AccountSelected
	Executing
	Classifying
	StreamingResponse
	WholeResponse
	Completed
	Exhausted
	Failed
)

var stateNames = [...]string{
	Received:          "received",
	Detected:          "detected",
	Translated:        "translated",
	AccountSelected:   "account_selected",
	Executing:         "executing",
	Classifying:       "classifying",
	StreamingResponse: "streaming_response",
	WholeResponse:     "whole_response",
	Completed:         "completed",
	Exhausted:         "exhausted",
	Failed:            "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Completed || s == Failed }

var transitions = map[State][]State{
	Received:          {Detected},
	Detected:          {Translated},
	Translated:        {AccountSelected, Exhausted},
	AccountSelected:   {Executing},
	Executing:         {StreamingResponse, WholeResponse, Classifying},
	Classifying:       {AccountSelected, Exhausted},
	StreamingResponse: {Completed},
	WholeResponse:     {Completed},
	Exhausted:         {Failed},
}

// transitionAllowed reports whether the pipeline may move from one state to
// another. Every non-terminal state may fail.
func transitionAllowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionContext is the state of one request as it moves through the
// pipeline. It is owned by a single goroutine until a stream is handed to
// the caller.
type ExecutionContext struct {
	*fallback.Progress

	RequestID      string
	Request        *models.CanonicalRequest
	CallerFormat   translator.Format
	UpstreamFormat translator.Format
	Start          time.Time
	Attempts       int

	entry  account.Entry
	state  State
	logger *slog.Logger
}

func newExecutionContext(id string, start time.Time, logger *slog.Logger) *ExecutionContext {
	return &ExecutionContext{
		RequestID: id,
		Start:     start,
		state:     Received,
		logger:    logger.With("request_id", id),
	}
}

// State returns the current pipeline state.
func (ec *ExecutionContext) State() State { return ec.state }

func (ec *ExecutionContext) transition(to State) {
	if !transitionAllowed(ec.state, to) {
		ec.logger.Error("illegal pipeline transition", "from", ec.state.String(), "to", to.String())
		return
	}
	ec.logger.Debug("pipeline transition", "from", ec.state.String(), "to", to.String())
	ec.state = to
}

func (ec *ExecutionContext) routing() Routing {
	r := Routing{
		RequestID: ec.RequestID,
		Attempts:  ec.Attempts,
	}
	if ec.Progress != nil {
		r.Combo = ec.Combo.Name
		r.Selections = ec.Selections
		r.Fallbacks = ec.Fallbacks()
	}
	if ec.entry.Account != nil {
		r.Provider = ec.entry.Account.Provider
		r.AccountID = ec.entry.Account.ID
		r.Model = ec.entry.Model
	}
	return r
}
