package resourcemap

import "testing"

func TestCompleteness(t *testing.T) {
	table := New(nil)
	for _, typeTag := range table.Types() {
		tfType, ok := table.Lookup(typeTag)
		if !ok {
			t.Errorf("type %q reported by Types() but Lookup() missed it", typeTag)
		}
		if tfType == "" {
			t.Errorf("type %q maps to an empty Terraform type", typeTag)
		}
	}
}

func TestLoadBalancerV2ShortName(t *testing.T) {
	table := New(nil)
	got, ok := table.Lookup("AWS::ElasticLoadBalancingV2::LoadBalancer")
	if !ok {
		t.Fatal("expected load balancer v2 type to be mapped")
	}
	if got != "aws_lb" {
		t.Errorf("got %q, want short provider name aws_lb (not a suffixed name)", got)
	}
}

func TestUnknownTypeNotFound(t *testing.T) {
	table := New(nil)
	if _, ok := table.Lookup("AWS::Totally::Unknown"); ok {
		t.Fatal("expected unknown type to be absent")
	}
}

func TestOverridesWin(t *testing.T) {
	table := New(map[string]string{"AWS::S3::Bucket": "aws_s3_bucket_v2"})
	got, _ := table.Lookup("AWS::S3::Bucket")
	if got != "aws_s3_bucket_v2" {
		t.Errorf("got %q, want override to win", got)
	}
}
