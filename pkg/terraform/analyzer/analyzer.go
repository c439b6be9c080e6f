// Package analyzer discovers and parses a Terraform working copy's
// HCL tree, and locates the resource block that backs a given cloud
// resource identifier.
package analyzer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/terrafix/terrafix/pkg/metrics"
	"github.com/terrafix/terrafix/pkg/resourcemap"
)

// ParsedFile is one successfully parsed HCL file.
type ParsedFile struct {
	Path string
	Body *hclsyntax.Body
	Raw  []byte
}

// ResourceBlock is a located "resource" block within a parsed file.
type ResourceBlock struct {
	File         *ParsedFile
	Block        *hclsyntax.Block
	ProviderType string // e.g. "aws_s3_bucket"
	Name         string // block label[1], the resource's local name
}

// ModuleContext is the surrounding declarations relevant to an
// inference prompt: provider, variable, output, and module blocks
// from the same file as a located resource.
type ModuleContext struct {
	Providers []string
	Variables []string
	Outputs   []string
	Modules   []string
}

// Analyzer parses a working copy once and answers resource-location
// queries against the parsed tree.
type Analyzer struct {
	root    string
	table   *resourcemap.Table
	logger  logr.Logger
	metrics metrics.Collector
	files   []*ParsedFile
}

// New discovers and parses every *.tf file under root. Files that
// fail to parse are skipped with a warning; the analyzer itself never
// fails because a single file is malformed.
func New(root string, table *resourcemap.Table, logger logr.Logger, collector metrics.Collector) (*Analyzer, error) {
	a := &Analyzer{root: root, table: table, logger: logger, metrics: collector}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tf") {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			a.logger.Info("skipping unreadable terraform file", "path", path, "error", readErr.Error())
			return nil
		}
		file, diags := hclsyntax.ParseConfig(raw, path, hcl.Pos{Line: 1, Column: 1})
		if diags.HasErrors() {
			a.logger.Info("skipping unparseable terraform file", "path", path, "diagnostics", diags.Error())
			return nil
		}
		body, ok := file.Body.(*hclsyntax.Body)
		if !ok {
			return nil
		}
		a.files = append(a.files, &ParsedFile{Path: path, Body: body, Raw: raw})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ParsedCount is the number of files successfully parsed, used to
// distinguish an empty repository from one where every file failed to
// parse.
func (a *Analyzer) ParsedCount() int {
	return len(a.files)
}

// FindByResource walks the parsed trees and returns the first resource
// block, of any type, whose arn equals cloudID, whose bucket or name
// attribute or local name equals cloudID's trailing component, or
// whose type is typeTag's mapped Terraform type. It returns
// found=false if none matches.
func (a *Analyzer) FindByResource(cloudID, typeTag string) (*ResourceBlock, bool) {
	trailing := trailingComponent(cloudID)
	providerType, mapped := a.table.Lookup(typeTag)

	if !mapped {
		a.metrics.IncCounter("unmapped_type_total", map[string]string{"type": typeTag})
	}

	for _, file := range a.files {
		for _, block := range file.Body.Blocks {
			if block.Type != "resource" || len(block.Labels) < 2 {
				continue
			}
			blockType, blockName := block.Labels[0], block.Labels[1]

			if arn, ok := stringAttr(block, "arn"); ok && arn == cloudID {
				return newResourceBlock(file, block, blockType, blockName), true
			}
			if bucket, ok := stringAttr(block, "bucket"); ok && bucket == trailing {
				return newResourceBlock(file, block, blockType, blockName), true
			}
			if name, ok := stringAttr(block, "name"); ok && name == trailing {
				return newResourceBlock(file, block, blockType, blockName), true
			}
			if blockName == trailing {
				return newResourceBlock(file, block, blockType, blockName), true
			}
			if mapped && blockType == providerType {
				return newResourceBlock(file, block, blockType, blockName), true
			}
		}
	}

	if mapped {
		return nil, false
	}

	// Fuzzy fallback: type tag absent from the mapping table, search by
	// the identifier's trailing component alone, tolerating it as a
	// substring of the block's local name (the exact-match pass above
	// already tried an exact label match and came up empty).
	for _, file := range a.files {
		for _, block := range file.Body.Blocks {
			if block.Type != "resource" || len(block.Labels) < 2 {
				continue
			}
			if trailing != "" && strings.Contains(block.Labels[1], trailing) {
				return newResourceBlock(file, block, block.Labels[0], block.Labels[1]), true
			}
		}
	}
	return nil, false
}

func newResourceBlock(file *ParsedFile, block *hclsyntax.Block, providerType, name string) *ResourceBlock {
	return &ResourceBlock{File: file, Block: block, ProviderType: providerType, Name: name}
}

// ModuleContextFor returns the file's provider, variable, output, and
// module declarations, rendered as label strings for inclusion in an
// inference prompt.
func ModuleContextFor(file *ParsedFile) ModuleContext {
	var ctx ModuleContext
	for _, block := range file.Body.Blocks {
		switch block.Type {
		case "provider":
			ctx.Providers = append(ctx.Providers, strings.Join(block.Labels, "."))
		case "variable":
			ctx.Variables = append(ctx.Variables, strings.Join(block.Labels, "."))
		case "output":
			ctx.Outputs = append(ctx.Outputs, strings.Join(block.Labels, "."))
		case "module":
			ctx.Modules = append(ctx.Modules, strings.Join(block.Labels, "."))
		}
	}
	return ctx
}

// stringAttr reads a block attribute's value as a literal string,
// without a full HCL evaluation context — sufficient for the plain
// quoted-string attributes (arn, bucket, name) the locator matches on.
func stringAttr(block *hclsyntax.Block, name string) (string, bool) {
	attr, ok := block.Body.Attributes[name]
	if !ok {
		return "", false
	}
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() || val.IsNull() {
		return "", false
	}
	if val.Type().FriendlyName() != "string" {
		return "", false
	}
	return val.AsString(), true
}

// trailingComponent extracts a cloud identifier's trailing component
// per the name-extraction rules: S3-shaped identifiers (":::name/...")
// yield the trailing bucket name; slash-bearing identifiers yield the
// segment after the last slash; otherwise the segment after the last
// colon.
func trailingComponent(cloudID string) string {
	if idx := strings.Index(cloudID, ":::"); idx != -1 {
		rest := cloudID[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[:slash]
		}
		return rest
	}
	if idx := strings.LastIndex(cloudID, "/"); idx != -1 {
		return cloudID[idx+1:]
	}
	if idx := strings.LastIndex(cloudID, ":"); idx != -1 {
		return cloudID[idx+1:]
	}
	return cloudID
}
