// Package validator answers "would this code parse" without running it.
// Go is checked in-process; languages with a compiler or parse-only
// flag are checked inside a short-lived sandbox; everything else is
// reported valid, because only execution can tell.
package validator

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"coderun/internal/language"
	"coderun/internal/logging"
	"coderun/internal/metrics"
	"coderun/internal/sandbox"
)

const (
	checkTimeout = 10 * time.Second
	checkMemory  = 64 * units.MiB
)

// Result is a validation verdict.
type Result struct {
	Language string `json:"language"`
	Valid    bool   `json:"valid"`
	Message  string `json:"message,omitempty"`
	// Checked is false when the language has no syntax-only mode and
	// the verdict is a default pass.
	Checked bool `json:"checked"`
}

// Validator performs syntax checks.
type Validator struct {
	mgr *sandbox.Manager
	reg *language.Registry
	log *zap.Logger
	met *metrics.Metrics
}

// New returns a Validator over the given manager and registry.
func New(mgr *sandbox.Manager, reg *language.Registry) *Validator {
	return &Validator{
		mgr: mgr,
		reg: reg,
		log: logging.L().Named("validator"),
		met: metrics.Get(),
	}
}

// Validate checks the snippet's syntax. The snippet goes through the
// same preparation as an execution so scaffolding mismatches cannot
// fail code that would in fact run.
func (v *Validator) Validate(ctx context.Context, lang, code string) (Result, error) {
	spec, err := v.reg.Lookup(lang)
	if err != nil {
		return Result{}, err
	}

	var res Result
	switch {
	case spec.ID == "go":
		res = v.validateGo(code, spec)
	case len(spec.SyntaxCheck) > 0:
		res, err = v.validateSandboxed(ctx, code, spec)
		if err != nil {
			return Result{}, err
		}
	default:
		res = Result{Language: spec.ID, Valid: true, Checked: false}
	}

	v.met.ValidationsTotal.WithLabelValues(spec.ID, strconv.FormatBool(res.Valid)).Inc()
	return res, nil
}

// validateGo parses the prepared source in-process.
func (v *Validator) validateGo(code string, spec language.Spec) Result {
	src := language.Prepare(code, spec)
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, spec.FileName, src, parser.AllErrors); err != nil {
		return Result{Language: spec.ID, Valid: false, Message: err.Error(), Checked: true}
	}
	return Result{Language: spec.ID, Valid: true, Checked: true}
}

// validateSandboxed runs the language's parse-only command in a small
// sandbox against the prepared source.
func (v *Validator) validateSandboxed(ctx context.Context, code string, spec language.Spec) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	checkID := uuid.NewString()
	sb, err := v.mgr.Create(ctx, checkID, "", spec, checkMemory, checkTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("validation sandbox: %w", err)
	}
	defer v.mgr.Cleanup(context.Background(), checkID)

	file := sandbox.Workdir + "/" + spec.FileName
	files := map[string][]byte{spec.FileName: language.Prepare(code, spec)}
	if err := v.mgr.InjectFiles(ctx, sb, files); err != nil {
		return Result{}, err
	}

	cmd := make([]string, len(spec.SyntaxCheck))
	for i, arg := range spec.SyntaxCheck {
		cmd[i] = strings.ReplaceAll(arg, "{{file}}", file)
	}
	r, err := v.mgr.Exec(ctx, sb, cmd)
	if err != nil {
		return Result{}, err
	}

	res := Result{Language: spec.ID, Valid: r.ExitCode == 0, Checked: true}
	if !res.Valid {
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		res.Message = msg
		v.log.Debug("syntax check failed",
			zap.String("language", spec.ID), zap.Int("exit_code", r.ExitCode))
	}
	return res, nil
}
