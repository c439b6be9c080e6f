// Package llm generates a remediation fix for a non-compliant
// Terraform resource by invoking a foundation model through AWS
// Bedrock and parsing its structured JSON response.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
	"github.com/terrafix/terrafix/pkg/terraform/analyzer"
)

// Confidence is the model's self-reported confidence in a fix.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Fix is the structured output of the remediation generator.
type Fix struct {
	FixedConfig           string                     `json:"fixed_config"`
	Explanation           string                     `json:"explanation"`
	ChangedAttributes     []string                   `json:"changed_attributes,omitempty"`
	Reasoning             string                     `json:"reasoning,omitempty"`
	Confidence            Confidence                 `json:"confidence"`
	BreakingChange        string                     `json:"breaking_change,omitempty"`
	AdditionalRequirement string                     `json:"additional_requirement,omitempty"`
	Extra                 map[string]json.RawMessage `json:"-"`
}

// PromptInput is everything the generator needs to construct a
// remediation prompt.
type PromptInput struct {
	ViolationID     string
	ViolationReason string
	Framework       string
	ResourceType    string
	ResourceID      string
	CurrentContent  string
	ResourceBlock   string
	ModuleContext   analyzer.ModuleContext
}

// Generator invokes a Bedrock model to produce a RemediationFix.
type Generator struct {
	client      *bedrockruntime.Client
	modelID     string
	maxTokens   int
	temperature float32
	topP        float32
}

// Config configures a Generator.
type Config struct {
	ModelID     string
	MaxTokens   int
	Temperature float32 // spec default: 0.1
	TopP        float32 // spec default: 0.9
}

// New constructs a Generator bound to client.
func New(client *bedrockruntime.Client, cfg Config) *Generator {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}
	topP := cfg.TopP
	if topP == 0 {
		topP = 0.9
	}
	return &Generator{
		client:      client,
		modelID:     cfg.ModelID,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
	}
}

// anthropicRequestBody is the Bedrock Messages-API request shape this
// provider's models expect.
type anthropicRequestBody struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float32         `json:"temperature"`
	TopP             float32         `json:"top_p"`
	Messages         []messageBody   `json:"messages"`
}

type messageBody struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponseBody struct {
	Content []contentPart `json:"content"`
}

// Generate builds the structured prompt, invokes the model, and
// parses the response into a Fix.
func (g *Generator) Generate(ctx context.Context, in PromptInput) (*Fix, error) {
	prompt := buildPrompt(in)

	body := anthropicRequestBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        g.maxTokens,
		Temperature:      g.temperature,
		TopP:             g.topP,
		Messages: []messageBody{
			{Role: "user", Content: []contentPart{{Type: "text", Text: prompt}}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, false, "marshal inference request", err)
	}

	resp, err := g.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, classifyInferenceError(err)
	}

	var respBody anthropicResponseBody
	if err := json.Unmarshal(resp.Body, &respBody); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, false, "decode inference response envelope", err)
	}
	if len(respBody.Content) == 0 {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, false, "decode inference response envelope",
			fmt.Errorf("response contained no content blocks"))
	}

	text := respBody.Content[0].Text
	return parseFix(text)
}

// buildPrompt renders the structured-tag prompt: compliance summary,
// current configuration, task, output-format schema, and critical
// constraints.
func buildPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<compliance_summary>\nviolation_id: %s\nframework: %s\nresource_type: %s\nresource_id: %s\nreason: %s\n</compliance_summary>\n\n",
		in.ViolationID, in.Framework, in.ResourceType, in.ResourceID, in.ViolationReason)

	fmt.Fprintf(&b, "<current_configuration>\n%s\n</current_configuration>\n\n", in.CurrentContent)

	if in.ResourceBlock != "" {
		fmt.Fprintf(&b, "<located_resource_block>\n%s\n</located_resource_block>\n\n", in.ResourceBlock)
	}

	fmt.Fprintf(&b, "<module_context>\nproviders: %s\nvariables: %s\noutputs: %s\nmodules: %s\n</module_context>\n\n",
		strings.Join(in.ModuleContext.Providers, ", "),
		strings.Join(in.ModuleContext.Variables, ", "),
		strings.Join(in.ModuleContext.Outputs, ", "),
		strings.Join(in.ModuleContext.Modules, ", "))

	b.WriteString("<task>\nRewrite the located resource block so the configuration satisfies the compliance requirement described above, while preserving every other attribute and resource in the file unless a change is required to fix the violation.\n</task>\n\n")

	b.WriteString("<output_format>\nRespond with a single JSON object containing exactly these fields: fixed_config (the complete corrected file contents as a string), explanation (a short human-readable summary), changed_attributes (array of attribute names touched), reasoning (a short narrative of why this satisfies the requirement), confidence (one of \"high\", \"medium\", \"low\"), breaking_change (empty string unless the fix could break dependent resources, in which case describe how), additional_requirement (empty string unless remediation requires a follow-up action outside this file).\n</output_format>\n\n")

	b.WriteString("<critical_constraints>\nDo not invent resource identifiers or ARNs. Do not remove unrelated resources. If the violation cannot be fixed by editing this file alone, set fixed_config to an empty string and explain why in explanation.\n</critical_constraints>\n")

	return b.String()
}

// parseFix extracts the JSON payload from text, stripping a fenced
// code block if present, and validates the required fields.
func parseFix(text string) (*Fix, error) {
	candidate := stripFence(text)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, false, "parse model response as JSON", err)
	}

	var fix Fix
	if err := json.Unmarshal([]byte(candidate), &fix); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindInference, false, "decode remediation fix", err)
	}

	for _, required := range []string{"fixed_config", "explanation", "confidence"} {
		if _, ok := raw[required]; !ok {
			return nil, terrafixerrors.New(terrafixerrors.KindInference, false, "validate remediation fix",
				fmt.Errorf("required field %q is absent from model response", required))
		}
	}

	known := map[string]bool{
		"fixed_config": true, "explanation": true, "changed_attributes": true,
		"reasoning": true, "confidence": true, "breaking_change": true,
		"additional_requirement": true,
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		fix.Extra = extra
	}

	return &fix, nil
}

func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "```")
	if start == -1 || strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	lines := strings.SplitN(trimmed[start:], "\n", 2)
	if len(lines) < 2 {
		return trimmed
	}
	body := lines[1]
	if idx := strings.LastIndex(body, "```"); idx != -1 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// classifyInferenceError inspects a Bedrock API error and classifies
// it as retryable (throttling, timeout) or permanent (validation,
// invalid model, access denial).
func classifyInferenceError(err error) error {
	var apiErr smithy.APIError
	if ok := asAPIError(err, &apiErr); ok {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ModelTimeoutException", "ServiceUnavailableException", "InternalServerException":
			return terrafixerrors.New(terrafixerrors.KindInference, true, "invoke model", err)
		case "ValidationException", "ModelErrorException", "ModelNotReadyException", "AccessDeniedException", "ResourceNotFoundException":
			return terrafixerrors.New(terrafixerrors.KindInference, false, "invoke model", err)
		}
	}
	// Unrecognized error shape: default to retryable, matching the
	// monitor client's default posture for unclassified transport errors.
	return terrafixerrors.New(terrafixerrors.KindInference, true, "invoke model", err)
}

func asAPIError(err error, target *smithy.APIError) bool {
	var apiErr smithy.APIError
	if e, ok := err.(smithy.APIError); ok {
		apiErr = e
		*target = apiErr
		return true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(smithy.APIError); ok {
			*target = e
			return true
		}
	}
	return false
}

// confidenceRank orders confidence levels for comparisons (e.g. "is
// this fix at least medium confidence").
func confidenceRank(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether fix's confidence meets or exceeds min.
func (f *Fix) AtLeast(min Confidence) bool {
	return confidenceRank(f.Confidence) >= confidenceRank(min)
}

