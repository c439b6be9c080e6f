package llm

import (
	"strings"
	"testing"

	smithy "github.com/aws/smithy-go"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/terraform/analyzer"
)

func TestParseFixPlainJSON(t *testing.T) {
	fix, err := parseFix(`{"fixed_config": "resource \"x\" {}", "explanation": "added encryption", "confidence": "high"}`)
	if err != nil {
		t.Fatalf("parseFix: %v", err)
	}
	if fix.FixedConfig == "" || fix.Explanation == "" || fix.Confidence != ConfidenceHigh {
		t.Errorf("fix = %+v", fix)
	}
}

func TestParseFixFencedJSON(t *testing.T) {
	text := "Here is the fix:\n```json\n{\"fixed_config\": \"x\", \"explanation\": \"y\", \"confidence\": \"medium\"}\n```\n"
	fix, err := parseFix(text)
	if err != nil {
		t.Fatalf("parseFix: %v", err)
	}
	if fix.Confidence != ConfidenceMedium {
		t.Errorf("Confidence = %q, want medium", fix.Confidence)
	}
}

func TestParseFixMissingRequiredFieldIsPermanentError(t *testing.T) {
	_, err := parseFix(`{"explanation": "y", "confidence": "low"}`)
	if err == nil {
		t.Fatal("expected an error when fixed_config is absent")
	}
}

func TestParseFixPreservesUnknownFields(t *testing.T) {
	fix, err := parseFix(`{"fixed_config": "x", "explanation": "y", "confidence": "low", "model_notes": "extra"}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fix.Extra["model_notes"]; !ok {
		t.Error("expected unknown field model_notes to be preserved in Extra")
	}
}

func TestParseFixInvalidJSONIsError(t *testing.T) {
	_, err := parseFix("not json at all")
	if err == nil {
		t.Fatal("expected an error for a non-JSON response")
	}
}

func TestStripFenceWithLanguageTag(t *testing.T) {
	got := stripFence("```json\n{\"a\":1}\n```")
	if got != `{"a":1}` {
		t.Errorf("stripFence = %q", got)
	}
}

func TestStripFenceWithoutFence(t *testing.T) {
	got := stripFence(`{"a":1}`)
	if got != `{"a":1}` {
		t.Errorf("stripFence = %q", got)
	}
}

func TestBuildPromptIncludesStructuredTags(t *testing.T) {
	prompt := buildPrompt(PromptInput{
		ViolationID:     "s3-bpa-01",
		ViolationReason: "public access not blocked",
		Framework:       "CIS",
		ResourceType:    "aws_s3_bucket",
		ResourceID:      "arn:aws:s3:::demo",
		CurrentContent:  `resource "aws_s3_bucket" "demo" {}`,
		ResourceBlock:   `resource "aws_s3_bucket" "demo" {}`,
		ModuleContext:   analyzer.ModuleContext{Providers: []string{"aws"}},
	})
	for _, tag := range []string{"<compliance_summary>", "<current_configuration>", "<task>", "<output_format>", "<critical_constraints>"} {
		if !strings.Contains(prompt, tag) {
			t.Errorf("prompt missing tag %q", tag)
		}
	}
	if !strings.Contains(prompt, "s3-bpa-01") {
		t.Error("prompt missing violation id")
	}
}

func TestAtLeastConfidenceOrdering(t *testing.T) {
	fix := &Fix{Confidence: ConfidenceMedium}
	if !fix.AtLeast(ConfidenceLow) {
		t.Error("medium should satisfy AtLeast(low)")
	}
	if !fix.AtLeast(ConfidenceMedium) {
		t.Error("medium should satisfy AtLeast(medium)")
	}
	if fix.AtLeast(ConfidenceHigh) {
		t.Error("medium should not satisfy AtLeast(high)")
	}
}

type fakeAPIError struct {
	code string
}

func (e *fakeAPIError) Error() string      { return e.code }
func (e *fakeAPIError) ErrorCode() string  { return e.code }
func (e *fakeAPIError) ErrorMessage() string { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

func TestClassifyInferenceErrorThrottlingIsRetryable(t *testing.T) {
	err := classifyInferenceError(&fakeAPIError{code: "ThrottlingException"})
	if !terrafixerrors.IsRetryable(err) {
		t.Error("expected ThrottlingException to classify as retryable")
	}
}

func TestClassifyInferenceErrorValidationIsPermanent(t *testing.T) {
	err := classifyInferenceError(&fakeAPIError{code: "ValidationException"})
	if terrafixerrors.IsRetryable(err) {
		t.Error("expected ValidationException to classify as permanent")
	}
}
