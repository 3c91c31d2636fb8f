// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// projectConfig is the optional per-project configuration read from
// rsdeploy.yml in the project directory.
type projectConfig struct {
	// Entrypoint overrides the default app.R entry point.
	Entrypoint string `yaml:"entrypoint"`
	// Files lists additional paths to include in the bundle.
	Files []string `yaml:"files"`
	// PollLimit bounds the number of task status polls; 0 means no
	// limit. Overridden by the -poll-limit flag.
	PollLimit int `yaml:"poll_limit"`
}

// loadProjectConfig reads the config file at path. A missing file is not
// an error: defaults are returned. Unknown keys are rejected, so a typo
// doesn't silently fall back to a default.
func loadProjectConfig(path string) (*projectConfig, error) {
	pc := &projectConfig{Entrypoint: defaultEntrypoint}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return pc, nil
	} else if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(pc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if pc.Entrypoint == "" {
		pc.Entrypoint = defaultEntrypoint
	}
	return pc, nil
}
