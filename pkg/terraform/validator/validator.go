// Package validator wraps the external Terraform CLI: format, init,
// and validate a candidate file in an isolated working directory.
package validator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
)

const (
	fmtTimeout      = 60 * time.Second
	initTimeout     = 300 * time.Second
	validateTimeout = 120 * time.Second
)

// Diagnostic summarizes one validation diagnostic for reporting.
type Diagnostic struct {
	Severity string
	Summary  string
	Detail   string
}

// Result is the outcome of validating one candidate file.
type Result struct {
	Valid            bool
	FormattedContent string
	Diagnostics      []Diagnostic
	InitWarning      string // non-empty when init failed but validation proceeded anyway
}

// Validator drives a terraform binary against scratch working
// directories.
type Validator struct {
	execPath string
}

// New constructs a Validator bound to the given terraform binary path
// (resolved via exec.LookPath by the caller, or an absolute path).
func New(execPath string) *Validator {
	return &Validator{execPath: execPath}
}

// Validate writes content to filename inside a fresh scratch
// directory, optionally seeding it with provider-pinning files copied
// from providerContextDir, then runs fmt, init, and validate in
// sequence. A failed init degrades to a warning — missing provider
// credentials at build time is non-fatal, and the formatted content is
// still returned. A failed validate is fatal and reported via
// Diagnostics.
func (v *Validator) Validate(ctx context.Context, content, filename, providerContextDir string) (*Result, error) {
	workdir, err := os.MkdirTemp("", "terrafix-validate-*")
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "create validation working directory", err)
	}
	defer os.RemoveAll(workdir)

	if providerContextDir != "" {
		if err := copyProviderFiles(providerContextDir, workdir); err != nil {
			return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "copy provider-pinning files", err)
		}
	}

	targetPath := filepath.Join(workdir, filename)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "create candidate file directory", err)
	}

	tf, err := tfexec.NewTerraform(workdir, v.execPath)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "construct terraform-exec client", err)
	}

	result := &Result{}

	fmtCtx, cancelFmt := context.WithTimeout(ctx, fmtTimeout)
	defer cancelFmt()
	formatted, err := tf.FormatString(fmtCtx, content)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "format candidate content", err)
	}
	result.FormattedContent = formatted

	if err := os.WriteFile(targetPath, []byte(formatted), 0o644); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "write candidate file", err)
	}

	initCtx, cancelInit := context.WithTimeout(ctx, initTimeout)
	defer cancelInit()
	if err := tf.Init(initCtx); err != nil {
		// Missing provider credentials or network access at build time
		// is non-fatal: proceed to validate against whatever init
		// managed to set up, and surface this as a warning.
		result.InitWarning = err.Error()
	}

	validateCtx, cancelValidate := context.WithTimeout(ctx, validateTimeout)
	defer cancelValidate()
	validation, err := tf.Validate(validateCtx)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindTerraformValidation, false, "run terraform validate", err)
	}

	result.Valid = validation.Valid
	result.Diagnostics = diagnosticsFrom(validation)
	return result, nil
}

func diagnosticsFrom(validation *tfjson.ValidateOutput) []Diagnostic {
	diags := make([]Diagnostic, 0, len(validation.Diagnostics))
	for _, d := range validation.Diagnostics {
		diags = append(diags, Diagnostic{
			Severity: d.Severity,
			Summary:  d.Summary,
			Detail:   d.Detail,
		})
	}
	return diags
}

// copyProviderFiles copies provider-pinning files (e.g. versions.tf,
// .terraform.lock.hcl) from src into dst so init can resolve providers
// consistently with the target repository.
func copyProviderFiles(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, entry.Name()), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
