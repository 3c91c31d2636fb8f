// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"go.astrophena.name/base/testutil"
)

func TestLoadProjectConfig(t *testing.T) {
	cases := map[string]struct {
		contents string // empty means no file at all
		want     *projectConfig
		wantErr  bool
	}{
		"missing file": {
			want: &projectConfig{Entrypoint: defaultEntrypoint},
		},
		"full config": {
			contents: "entrypoint: plumber.R\nfiles:\n  - helpers.R\n  - data.csv\npoll_limit: 120\n",
			want: &projectConfig{
				Entrypoint: "plumber.R",
				Files:      []string{"helpers.R", "data.csv"},
				PollLimit:  120,
			},
		},
		"empty entrypoint falls back to default": {
			contents: "entrypoint: \"\"\nfiles:\n  - helpers.R\n",
			want: &projectConfig{
				Entrypoint: defaultEntrypoint,
				Files:      []string{"helpers.R"},
			},
		},
		"unknown key": {
			contents: "entrypoint: app.R\ntypo_key: true\n",
			wantErr:  true,
		},
		"malformed yaml": {
			contents: "files: [unterminated\n",
			wantErr:  true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), configFile)
			if tc.contents != "" {
				if err := os.WriteFile(path, []byte(tc.contents), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			got, err := loadProjectConfig(path)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, got, tc.want)
		})
	}
}
