package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
)

const modulePrefix = "smeargle/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

type importRule struct {
	importer string
	imported string
	allowed  []string
	reason   string
}

var importRules = []importRule{
	{
		importer: "pkg/",
		imported: "internal/",
		reason:   "pkg/* must not import internal/*",
	},
	{
		importer: "pkg/",
		imported: "services/",
		reason:   "pkg/* must not import services/*",
	},
	{
		importer: "internal/kernel",
		imported: "internal/driver",
		reason:   "internal/kernel must not import internal/driver/*",
	},
	{
		importer: "modules/",
		imported: "internal/",
		allowed:  []string{"internal/observability/metrics"},
		reason:   "modules/* must not import internal/* other than metrics",
	},
	{
		importer: "modules/",
		imported: "services/",
		reason:   "modules/* must reach services through pkg/gallery",
	},
	{
		importer: "services/",
		imported: "modules/",
		reason:   "services/* must not import modules/*",
	},
	{
		importer: "services/",
		imported: "internal/driver",
		reason:   "services/* must not import internal/driver/*",
	},
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	imported = strings.TrimPrefix(imported, modulePrefix)

	for _, rule := range importRules {
		if !strings.HasPrefix(importer, rule.importer) || !strings.HasPrefix(imported, rule.imported) {
			continue
		}
		if slices.ContainsFunc(rule.allowed, func(prefix string) bool {
			return strings.HasPrefix(imported, prefix)
		}) {
			continue
		}
		return rule.reason
	}

	return ""
}
