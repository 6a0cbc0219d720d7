package installer

import (
	"fmt"
	"strings"

	"github.com/ggoodman/installsession-go/identity"
)

// Stage names used in a Report.
const (
	StageCreate  = "create"
	StageOpen    = "open"
	StageWrite   = "write"
	StageCommit  = "commit"
	StageAbandon = "abandon"
)

// StageOutcome is the result of one stage of a transaction.
type StageOutcome struct {
	Stage  string `json:"stage"`
	Target string `json:"target,omitempty"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

func (o StageOutcome) String() string {
	var b strings.Builder
	b.WriteString(o.Stage)
	if o.Target != "" {
		b.WriteString(" ")
		b.WriteString(o.Target)
	}
	b.WriteString(": ")
	if o.OK {
		b.WriteString("ok")
	} else {
		b.WriteString("failed")
	}
	if o.Detail != "" {
		b.WriteString(" (")
		b.WriteString(o.Detail)
		b.WriteString(")")
	}
	if o.Error != "" {
		b.WriteString(": ")
		b.WriteString(o.Error)
	}
	return b.String()
}

// Report aggregates every stage of one Install call. It is produced on both
// success and failure paths.
type Report struct {
	TransactionID string            `json:"transaction_id"`
	Owner         identity.Identity `json:"owner"`
	SessionID     SessionID         `json:"session_id,omitempty"`
	Stages        []StageOutcome    `json:"stages"`
	Artifacts     []ArtifactResult  `json:"artifacts,omitempty"`
	Result        *CommitResult     `json:"result,omitempty"`
	FinalState    SessionState      `json:"final_state"`
}

func (r *Report) add(stage, target string, err error, detail string) {
	o := StageOutcome{Stage: stage, Target: target, OK: err == nil, Detail: detail, Err: err}
	if err != nil {
		o.Error = err.Error()
	}
	r.Stages = append(r.Stages, o)
}

// Stage returns the last outcome recorded for stage.
func (r *Report) Stage(stage string) (StageOutcome, bool) {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Stage == stage {
			return r.Stages[i], true
		}
	}
	return StageOutcome{}, false
}

// Succeeded reports whether the commit was reported successful.
func (r *Report) Succeeded() bool {
	return r.Result != nil && r.Result.Status == StatusSuccess
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s owner=%s", r.TransactionID, r.Owner)
	if r.SessionID != 0 {
		fmt.Fprintf(&b, " session=%d", r.SessionID)
	}
	b.WriteString("\n")
	for _, s := range r.Stages {
		b.WriteString("  ")
		b.WriteString(s.String())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  state: %s", r.FinalState)
	return b.String()
}
