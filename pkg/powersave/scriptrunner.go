package powersave

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ScriptKind identifies which configured program produced a ScriptResult.
type ScriptKind string

const (
	ScriptKindSuspend    ScriptKind = "suspend"
	ScriptKindResume     ScriptKind = "resume"
	ScriptKindResumeFail ScriptKind = "resume_fail"
)

// ScriptResult reports the outcome of one script invocation, delivered
// asynchronously so the controller never blocks a cycle on process exit.
type ScriptResult struct {
	Kind  ScriptKind
	Nodes []string
	Err   error
}

// resumeJobRecord is one entry of the SLURM_RESUME_FILE "jobs" array.
type resumeJobRecord struct {
	JobID         uint32  `json:"job_id"`
	Extra         *string `json:"extra,omitempty"`
	Features      *string `json:"features,omitempty"`
	NodesAlloc    string  `json:"nodes_alloc"`
	NodesResume   string  `json:"nodes_resume"`
	Oversubscribe string  `json:"oversubscribe"`
	Partition     string  `json:"partition"`
	Reservation   *string `json:"reservation,omitempty"`
}

// resumeRecord is the controller-internal, pre-JSON shape of one job's
// contribution to a resume pass.
type resumeRecord struct {
	JobID       uint32
	Features    string
	Partition   string
	NodesAlloc  []string
	NodesResume []string
}

// ResumePayload is everything a resume pass hands to ResumeProgram.
type ResumePayload struct {
	AllNodesResume []string
	Jobs           []resumeRecord
}

// ScriptRunner invokes the operator-supplied suspend/resume/resume-fail
// programs. Every method returns immediately; completion is reported on
// results, which the controller drains on its next cycle.
type ScriptRunner interface {
	RunResume(payload ResumePayload, results chan<- ScriptResult)
	RunSuspend(nodeNames []string, results chan<- ScriptResult)
	RunResumeFail(nodeNames []string, results chan<- ScriptResult)
}

// ExecScriptRunner runs the configured programs as external processes, one
// goroutine per invocation, the same fire-and-report pattern warren's
// Worker uses for container lifecycle commands: the caller never waits on
// exec.Cmd directly, it reads the outcome off a channel.
type ExecScriptRunner struct {
	SuspendProgram    string
	ResumeProgram     string
	ResumeFailProgram string
	Timeout           time.Duration
}

// NewExecScriptRunner builds a runner from a controller Config.
func NewExecScriptRunner(cfg Config) *ExecScriptRunner {
	return &ExecScriptRunner{
		SuspendProgram:    cfg.SuspendProgram,
		ResumeProgram:     cfg.ResumeProgram,
		ResumeFailProgram: cfg.ResumeFailProgram,
		Timeout:           cfg.maxTimeout(),
	}
}

// resumeDoc is the SLURM_RESUME_FILE document shape.
type resumeDoc struct {
	AllNodesResume string            `json:"all_nodes_resume"`
	Jobs           []resumeJobRecord `json:"jobs"`
}

// buildResumeDoc converts the controller's internal ResumePayload into
// the on-disk record the resume program reads, joining each job's node
// lists into SLURM hostlist-style comma strings and only setting the
// optional features field when the job actually requested features.
func buildResumeDoc(payload ResumePayload) resumeDoc {
	doc := resumeDoc{AllNodesResume: strings.Join(payload.AllNodesResume, ",")}
	for _, j := range payload.Jobs {
		rec := resumeJobRecord{
			JobID:         j.JobID,
			NodesAlloc:    strings.Join(j.NodesAlloc, ","),
			NodesResume:   strings.Join(j.NodesResume, ","),
			Oversubscribe: "NO",
			Partition:     j.Partition,
		}
		if j.Features != "" {
			rec.Features = &j.Features
		}
		doc.Jobs = append(doc.Jobs, rec)
	}
	return doc
}

func (r *ExecScriptRunner) RunResume(payload ResumePayload, results chan<- ScriptResult) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		defer cancel()

		doc := buildResumeDoc(payload)

		f, err := os.CreateTemp("", "resume-*.json")
		if err != nil {
			results <- ScriptResult{Kind: ScriptKindResume, Nodes: payload.AllNodesResume, Err: fmt.Errorf("create resume file: %w", err)}
			return
		}
		defer os.Remove(f.Name())

		if err := json.NewEncoder(f).Encode(doc); err != nil {
			f.Close()
			results <- ScriptResult{Kind: ScriptKindResume, Nodes: payload.AllNodesResume, Err: fmt.Errorf("encode resume file: %w", err)}
			return
		}
		f.Close()

		cmd := exec.CommandContext(ctx, r.ResumeProgram)
		cmd.Env = append(os.Environ(), "SLURM_RESUME_FILE="+f.Name())
		results <- ScriptResult{Kind: ScriptKindResume, Nodes: payload.AllNodesResume, Err: cmd.Run()}
	}()
}

func (r *ExecScriptRunner) RunSuspend(nodeNames []string, results chan<- ScriptResult) {
	r.runNodeListScript(r.SuspendProgram, ScriptKindSuspend, nodeNames, results)
}

func (r *ExecScriptRunner) RunResumeFail(nodeNames []string, results chan<- ScriptResult) {
	r.runNodeListScript(r.ResumeFailProgram, ScriptKindResumeFail, nodeNames, results)
}

func (r *ExecScriptRunner) runNodeListScript(program string, kind ScriptKind, nodeNames []string, results chan<- ScriptResult) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, program, strings.Join(nodeNames, ","))
		results <- ScriptResult{Kind: kind, Nodes: nodeNames, Err: cmd.Run()}
	}()
}
