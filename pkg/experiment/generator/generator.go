// Package generator synthesizes realistic violation records from a
// small library of per-resource-type templates, for driving the
// experiment runner without a live monitoring platform.
package generator

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/resourcemap"
)

// Template describes one violation archetype: a resource type plus
// the finding text and framework that accompany it.
type Template struct {
	ResourceType string
	Framework    string
	Name         string
	Reason       string
	Severity     monitor.Severity
}

// defaultTemplates mirrors the common findings in the resource
// mapping table (pkg/resourcemap) so generated violations resolve
// against the real analyzer/mapping path end to end.
var defaultTemplates = []Template{
	{ResourceType: "AWS::S3::Bucket", Framework: "cis-aws", Name: "s3-bucket-public-access-block", Reason: "S3 bucket allows public access", Severity: monitor.SeverityHigh},
	{ResourceType: "AWS::EC2::SecurityGroup", Framework: "cis-aws", Name: "sg-unrestricted-ingress", Reason: "Security group allows ingress from 0.0.0.0/0", Severity: monitor.SeverityCritical},
	{ResourceType: "AWS::RDS::DBInstance", Framework: "cis-aws", Name: "rds-not-encrypted", Reason: "RDS instance storage is not encrypted", Severity: monitor.SeverityHigh},
	{ResourceType: "AWS::IAM::Role", Framework: "cis-aws", Name: "iam-role-wildcard-action", Reason: "IAM role policy grants wildcard actions", Severity: monitor.SeverityMedium},
	{ResourceType: "AWS::EC2::Volume", Framework: "cis-aws", Name: "ebs-not-encrypted", Reason: "EBS volume is not encrypted at rest", Severity: monitor.SeverityMedium},
	{ResourceType: "AWS::KMS::Key", Framework: "cis-aws", Name: "kms-rotation-disabled", Reason: "KMS key rotation is not enabled", Severity: monitor.SeverityLow},
}

// Generator produces a stream of synthetic violations, optionally
// reproducible via a fixed seed.
type Generator struct {
	templates []Template
	rng       *rand.Rand
	counter   int
}

// New constructs a Generator. When seed is nil, each call draws from
// an unseeded, non-reproducible source; a non-nil seed makes the
// entire stream (template selection, resource ids) deterministic.
func New(seed *uint64, overrideTemplates []Template) *Generator {
	templates := defaultTemplates
	if len(overrideTemplates) > 0 {
		templates = overrideTemplates
	}
	var src *rand.Rand
	if seed != nil {
		src = rand.New(rand.NewPCG(*seed, *seed>>1|1))
	} else {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Generator{templates: templates, rng: src}
}

// Next synthesizes a single violation from a randomly chosen template.
func (g *Generator) Next() monitor.Violation {
	tmpl := g.templates[g.rng.IntN(len(g.templates))]
	g.counter++

	resourceID := syntheticResourceID(g.rng, tmpl.ResourceType, g.counter)
	return monitor.Violation{
		ID:           fmt.Sprintf("%s-%04d-%s", tmpl.Name, g.counter, uuid.NewString()[:8]),
		Name:         tmpl.Name,
		Severity:     tmpl.Severity,
		Framework:    tmpl.Framework,
		ResourceID:   resourceID,
		ResourceType: tmpl.ResourceType,
		Reason:       tmpl.Reason,
		DetectedAt:   time.Now(),
	}
}

// Batch synthesizes n violations in one call.
func (g *Generator) Batch(n int) []monitor.Violation {
	out := make([]monitor.Violation, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// Emitted returns the total count of violations produced so far.
func (g *Generator) Emitted() int {
	return g.counter
}

func syntheticResourceID(rng *rand.Rand, resourceType string, n int) string {
	service, kind := splitService(resourceType)
	name := fmt.Sprintf("synthetic-%s-%04d", kind, n)
	region := []string{"us-east-1", "us-west-2", "eu-west-1"}[rng.IntN(3)]
	account := 100000000000 + rng.Uint64N(899999999999)
	switch service {
	case "S3":
		return fmt.Sprintf("arn:aws:s3:::%s", name)
	case "IAM", "KMS":
		return fmt.Sprintf("arn:aws:%s::%d:%s/%s", toARNService(service), account, strings.ToLower(kind), name)
	default:
		return fmt.Sprintf("arn:aws:%s:%s:%d:%s/%s", toARNService(service), region, account, strings.ToLower(kind), name)
	}
}

// splitService parses "AWS::<Service>::<Kind>" into its Service and
// Kind segments.
func splitService(resourceType string) (service, kind string) {
	segments := strings.Split(resourceType, "::")
	if len(segments) != 3 {
		return "EC2", "Resource"
	}
	return segments[1], segments[2]
}

func toARNService(service string) string {
	switch service {
	case "EC2":
		return "ec2"
	case "RDS":
		return "rds"
	case "IAM":
		return "iam"
	case "KMS":
		return "kms"
	case "Lambda":
		return "lambda"
	case "ElasticLoadBalancingV2":
		return "elasticloadbalancing"
	default:
		return "ec2"
	}
}

// KnownTypes returns every resource type covered by the built-in
// mapping table, useful for constructing a template library that
// matches a live resourcemap.Table.
func KnownTypes(table *resourcemap.Table) []string {
	return table.Types()
}
