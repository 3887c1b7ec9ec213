// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// gatesOverrideFile lets a target repository pin its own gate list instead
// of the built-in project-type inference, in the same style as the
// teacher's own workflow gate configs.
const gatesOverrideFile = ".fleet-gates.yaml"

// gatesOverride is gatesOverrideFile's shape.
type gatesOverride struct {
	ProjectType string `yaml:"projectType"`
	Gates       []struct {
		Name    string   `yaml:"name"`
		Command []string `yaml:"command"`
	} `yaml:"gates"`
}

func loadGatesOverride(targetDir string) (string, []Gate, bool, error) {
	data, err := os.ReadFile(filepath.Join(targetDir, gatesOverrideFile))
	if os.IsNotExist(err) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("project detection: read %s: %w", gatesOverrideFile, err)
	}

	var override gatesOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return "", nil, false, fmt.Errorf("project detection: parse %s: %w", gatesOverrideFile, err)
	}

	gates := make([]Gate, 0, len(override.Gates))
	for _, g := range override.Gates {
		if _, err := execLookPath(g.Command[0]); err != nil {
			continue
		}
		gates = append(gates, Gate{Name: g.Name, Command: g.Command})
	}
	if len(gates) == 0 {
		return "", nil, false, fmt.Errorf("project detection: %s declared but no gate commands are on PATH", gatesOverrideFile)
	}
	return override.ProjectType, gates, true, nil
}

// projectMarker pairs a file whose presence identifies a project type with
// the ordered gate list run against it.
type projectMarker struct {
	projectType string
	file        string
	gates       []Gate
}

// projectMarkers is checked in order; the first match wins. Gate commands
// are filtered against PATH before use (§4.5 step 3).
var projectMarkers = []projectMarker{
	{
		projectType: "go",
		file:        "go.mod",
		gates: []Gate{
			{Name: "vet", Command: []string{"go", "vet", "./..."}},
			{Name: "build", Command: []string{"go", "build", "./..."}},
			{Name: "test", Command: []string{"go", "test", "./..."}},
		},
	},
	{
		projectType: "node",
		file:        "package.json",
		gates: []Gate{
			{Name: "lint", Command: []string{"npm", "run", "lint"}},
			{Name: "build", Command: []string{"npm", "run", "build"}},
			{Name: "test", Command: []string{"npm", "test"}},
		},
	},
	{
		projectType: "python",
		file:        "pyproject.toml",
		gates: []Gate{
			{Name: "lint", Command: []string{"ruff", "check", "."}},
			{Name: "test", Command: []string{"pytest"}},
		},
	},
	{
		projectType: "rust",
		file:        "Cargo.toml",
		gates: []Gate{
			{Name: "check", Command: []string{"cargo", "check"}},
			{Name: "test", Command: []string{"cargo", "test"}},
		},
	},
}

// detectProject implements §4.5 step 3: infer the project type from marker
// files, then prune gates whose command is not on PATH. Returns an error
// if no project type is recognized, or if pruning leaves zero gates.
func detectProject(targetDir string) (string, []Gate, error) {
	if projectType, gates, ok, err := loadGatesOverride(targetDir); err != nil {
		return "", nil, err
	} else if ok {
		return projectType, gates, nil
	}

	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(targetDir, marker.file)); err != nil {
			continue
		}

		var available []Gate
		for _, g := range marker.gates {
			if _, err := execLookPath(g.Command[0]); err == nil {
				available = append(available, g)
			}
		}
		if len(available) == 0 {
			return "", nil, fmt.Errorf("project detection: %s recognized but no gate commands are on PATH", marker.projectType)
		}
		return marker.projectType, available, nil
	}

	return "", nil, fmt.Errorf("project detection: no recognized project type in %s", targetDir)
}
