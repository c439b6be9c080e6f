// Package resourcemap holds the compile-time table mapping the
// monitor's vocabulary of resource-type tags (e.g. "AWS::S3::Bucket")
// to Terraform provider resource names. The mapping is not always
// mechanical — e.g. the load-balancer v2 type maps to a short
// provider name, not a suffixed one — hence a hand-maintained table
// rather than a naming-convention function.
package resourcemap

// defaultTable is the hand-maintained monitor-type -> terraform-type
// mapping. New types absent from this table fall back to a fuzzy
// match in the analyzer (pkg/terraform/analyzer), which also
// increments the unmapped_type_total metric so operators can see
// vocabulary drift rather than guessing intent.
var defaultTable = map[string]string{
	"AWS::S3::Bucket":                    "aws_s3_bucket",
	"AWS::EC2::Instance":                 "aws_instance",
	"AWS::EC2::Volume":                   "aws_ebs_volume",
	"AWS::EC2::SecurityGroup":            "aws_security_group",
	"AWS::EC2::NatGateway":                "aws_nat_gateway",
	"AWS::EC2::EIP":                      "aws_eip",
	"AWS::EC2::VPC":                       "aws_vpc",
	"AWS::RDS::DBInstance":               "aws_db_instance",
	"AWS::RDS::DBCluster":                 "aws_rds_cluster",
	"AWS::IAM::Role":                      "aws_iam_role",
	"AWS::IAM::Policy":                    "aws_iam_policy",
	"AWS::IAM::User":                      "aws_iam_user",
	"AWS::KMS::Key":                       "aws_kms_key",
	"AWS::Lambda::Function":               "aws_lambda_function",
	"AWS::ElasticLoadBalancingV2::LoadBalancer": "aws_lb",
	"AWS::CloudTrail::Trail":              "aws_cloudtrail",
	"AWS::SNS::Topic":                     "aws_sns_topic",
	"AWS::SQS::Queue":                     "aws_sqs_queue",
	"AWS::DynamoDB::Table":                "aws_dynamodb_table",
	"AWS::ElastiCache::CacheCluster":       "aws_elasticache_cluster",
	"AWS::CloudFront::Distribution":        "aws_cloudfront_distribution",
	"AWS::ECR::Repository":                "aws_ecr_repository",
	"AWS::EKS::Cluster":                   "aws_eks_cluster",
}

// Table is a monitor-vocabulary-type -> terraform-provider-type
// lookup, safe for concurrent read-only use.
type Table struct {
	entries map[string]string
}

// New returns a Table seeded with the built-in mapping, optionally
// overridden/extended by overrides (overrides win on key collision).
func New(overrides map[string]string) *Table {
	entries := make(map[string]string, len(defaultTable)+len(overrides))
	for k, v := range defaultTable {
		entries[k] = v
	}
	for k, v := range overrides {
		entries[k] = v
	}
	return &Table{entries: entries}
}

// Lookup returns the Terraform provider resource name for typeTag, and
// whether it was found.
func (t *Table) Lookup(typeTag string) (string, bool) {
	v, ok := t.entries[typeTag]
	return v, ok
}

// Types returns every monitor-vocabulary type tag currently mapped,
// used by the completeness test ("every supported type maps to a
// non-empty Terraform type").
func (t *Table) Types() []string {
	types := make([]string, 0, len(t.entries))
	for k := range t.entries {
		types = append(types, k)
	}
	return types
}
