// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Package deploy publishes an application bundle to a Connect server.

A deployment is a strictly forward pipeline: check preconditions, assemble
the bundle archive, register (or reuse) the content record, upload the
archive, start the deployment task and poll it until the server reports
completion, then print the content URL.

The content GUID issued on first registration is persisted to a marker
file next to the project, so subsequent runs reuse the record instead of
registering a new one. A record registered during the current run is
deleted again if any later stage of that same run fails; a reused record
is never deleted.
*/
package deploy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.astrophena.name/base/logger"
	"go.astrophena.name/rsdeploy/internal/bundle"
	"go.astrophena.name/rsdeploy/internal/connect"
)

// Well-known files in the project directory.
const (
	markerFile        = ".rsdeploy-guid"
	archiveFile       = "bundle.tar.gz"
	manifestFile      = "manifest.json"
	configFile        = "rsdeploy.yml"
	defaultEntrypoint = "app.R"
)

// Possible errors, used in tests.
var (
	errNoServer    = errors.New("server URL is empty")
	errNoAPIKey    = errors.New("API key is empty")
	errNoTitle     = errors.New("content title is empty")
	errAborted     = errors.New("aborted by operator")
	errManifestGen = errors.New("manifest generation reported errors")
	errPollLimit   = errors.New("poll limit exceeded")
)

// Decision determines how the pipeline answers its own prompts: creating
// a missing entry point, generating a missing manifest, proceeding
// without missing bundle files. It is chosen once per run.
type Decision int

const (
	// Ask prompts the operator and reads the answer from Config.Stdin.
	Ask Decision = iota
	// Yes answers every prompt affirmatively without asking.
	Yes
	// No answers every prompt negatively without asking.
	No
)

// Config represents a deployment configuration.
type Config struct {
	// Server is the base URL of the Connect server.
	Server string
	// APIKey is the API key used to authenticate with the server.
	APIKey string
	// Title is the content title shown on the server.
	Title string
	// Dir is the project directory. If empty, uses the current directory.
	Dir string
	// Decision determines how prompts are answered.
	Decision Decision
	// Verbose enables the upload progress bar.
	Verbose bool
	// PollLimit bounds the number of task status polls; 0 means polling
	// continues until the server reports completion.
	PollLimit int
	// Logf specifies a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
	// Stdin is where prompt answers are read from. If nil, os.Stdin.
	Stdin io.Reader
	// HTTPClient is a HTTP client for making requests.
	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
}

// run carries the state accumulated over a single deployment run.
type run struct {
	c      *Config
	client *connect.Client

	// Paths removed when the run fails (artifacts this run created whose
	// presence would reflect an incomplete setup) and when it succeeds
	// (always-transient artifacts).
	cleanOnError   []string
	cleanOnSuccess []string

	guid        string
	createdGUID bool // the record was registered during this run
}

// Deploy runs the deployment pipeline based on the provided [Config].
func Deploy(ctx context.Context, c *Config) error {
	c.setDefaults()

	if c.Server == "" {
		return errNoServer
	}
	if c.APIKey == "" {
		return errNoAPIKey
	}
	if c.Title == "" {
		return errNoTitle
	}

	pc, err := loadProjectConfig(filepath.Join(c.Dir, configFile))
	if err != nil {
		return err
	}
	if c.PollLimit == 0 {
		c.PollLimit = pc.PollLimit
	}

	r := &run{
		c: c,
		client: &connect.Client{
			ServerURL:  c.Server,
			APIKey:     c.APIKey,
			Progress:   c.Verbose,
			HTTPClient: c.HTTPClient,
		},
	}

	if err := r.do(ctx, pc); err != nil {
		r.clean(r.cleanOnError)
		r.rollback(ctx)
		return err
	}
	r.clean(r.cleanOnSuccess)
	return nil
}

func (r *run) do(ctx context.Context, pc *projectConfig) error {
	if err := r.ensureEntrypoint(pc.Entrypoint); err != nil {
		return err
	}
	if err := r.ensureManifest(ctx); err != nil {
		return err
	}

	files := append([]string{manifestFile, pc.Entrypoint, "renv.lock", ".Rprofile"}, pc.Files...)
	present, missing := bundle.Partition(r.c.Dir, files)
	if len(missing) > 0 {
		r.c.Logf("Missing from the bundle: %s.", strings.Join(missing, ", "))
		ok, err := r.confirm("Proceed without them?")
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}
	}

	archive := filepath.Join(r.c.Dir, archiveFile)
	if err := bundle.Write(archive, r.c.Dir, present); err != nil {
		return err
	}
	r.cleanOnSuccess = append(r.cleanOnSuccess, archive)
	r.c.Logf("Assembled %s from %d files.", archiveFile, len(present))

	if err := r.ensureContent(ctx); err != nil {
		return err
	}

	bundleID, err := r.client.UploadBundle(ctx, r.guid, archive)
	if err != nil {
		return err
	}
	r.c.Logf("Uploaded bundle %d.", bundleID)

	taskID, err := r.client.Deploy(ctx, r.guid, bundleID)
	if err != nil {
		return err
	}
	r.c.Logf("Deployment task %s started.", taskID)
	if err := r.poll(ctx, taskID); err != nil {
		return err
	}

	content, err := r.client.Content(ctx, r.guid)
	if err != nil {
		return err
	}
	r.c.Logf("Deployed successfully: %s", content.ContentURL)
	return nil
}

// ensureContent makes sure r.guid identifies a content record: either the
// one stored in the marker file, trusted as-is, or a freshly registered
// one whose GUID is then persisted to the marker.
func (r *run) ensureContent(ctx context.Context) error {
	marker := filepath.Join(r.c.Dir, markerFile)
	b, err := os.ReadFile(marker)
	if err == nil {
		r.guid = strings.TrimSpace(string(b))
		r.c.Logf("Reusing content %s.", r.guid)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	name, err := contentName()
	if err != nil {
		return err
	}
	content, err := r.client.CreateContent(ctx, name, r.c.Title)
	if err != nil {
		return err
	}
	r.guid = content.GUID
	r.createdGUID = true

	if err := os.WriteFile(marker, []byte(content.GUID+"\n"), 0o644); err != nil {
		return err
	}
	r.cleanOnError = append(r.cleanOnError, marker)
	r.c.Logf("Registered content %s.", content.GUID)
	return nil
}

// contentName generates a name for a new content record. Names must be
// unique among all content owned by the same account, so 8 random bytes
// are plenty.
func contentName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rsdeploy-" + hex.EncodeToString(b), nil
}

// poll fetches the task status until the server reports completion. The
// cursor from each response feeds the next request, so output lines are
// retrieved incrementally without duplication. A nonzero code fails the
// run immediately: a failed task is conclusive even before the server
// marks it finished.
func (r *run) poll(ctx context.Context, taskID string) error {
	var first int
	for attempt := 0; ; attempt++ {
		if r.c.PollLimit > 0 && attempt >= r.c.PollLimit {
			return fmt.Errorf("%w after %d attempts", errPollLimit, attempt)
		}

		t, err := r.client.Task(ctx, taskID, first)
		if err != nil {
			return err
		}
		for _, line := range t.Output {
			r.c.Logf("%s", line)
		}

		if t.Code != 0 {
			if t.Error != "" {
				return fmt.Errorf("deployment failed with code %d: %s", t.Code, t.Error)
			}
			return fmt.Errorf("deployment failed with code %d", t.Code)
		}
		if t.Finished {
			return nil
		}
		first = t.Last
	}
}

// rollback deletes the content record if it was registered during this
// run. A reused record is never deleted. Deletion failure is logged, not
// propagated: the run is already failing for the original reason.
func (r *run) rollback(ctx context.Context) {
	if !r.createdGUID {
		return
	}
	if err := r.client.DeleteContent(ctx, r.guid); err != nil {
		r.c.Logf("Failed to delete content %s: %v", r.guid, err)
		return
	}
	r.c.Logf("Deleted content %s.", r.guid)
}

// clean removes the given paths, silently skipping those that don't
// exist.
func (r *run) clean(paths []string) {
	for _, p := range paths {
		err := os.Remove(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			r.c.Logf("Failed to remove %s: %v", p, err)
			continue
		}
		r.c.Logf("Removed %s.", p)
	}
}

// confirm asks the operator a yes/no question, honoring the configured
// decision mode. EOF on Stdin counts as no.
func (r *run) confirm(prompt string) (bool, error) {
	switch r.c.Decision {
	case Yes:
		return true, nil
	case No:
		return false, nil
	}

	r.c.Logf("%s [y/N]", prompt)
	scanner := bufio.NewScanner(r.c.Stdin)
	if !scanner.Scan() {
		return false, scanner.Err()
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes", nil
}

const entrypointStub = `library(shiny)

shinyApp(
  ui = fluidPage("It works!"),
  server = function(input, output) {}
)
`

// ensureEntrypoint creates a stub entry point if the project doesn't have
// one. The stub goes on the clean-on-error list: if the run fails, its
// presence would only mislead the next one.
func (r *run) ensureEntrypoint(name string) error {
	path := filepath.Join(r.c.Dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	r.c.Logf("Entry point %s doesn't exist.", name)
	ok, err := r.confirm("Create a stub?")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, errAborted)
	}

	if err := os.WriteFile(path, []byte(entrypointStub), 0o644); err != nil {
		return err
	}
	r.cleanOnError = append(r.cleanOnError, path)
	r.c.Logf("Created %s.", name)
	return nil
}

// manifestArgs is the command that generates the manifest. Overridden in
// tests.
var manifestArgs = []string{"Rscript", "-e", `rsconnect::writeManifest(appDir = ".")`}

// ensureManifest generates the manifest with rsconnect if the project
// doesn't have one. rsconnect reports problems on stderr while still
// exiting zero, so any stderr output is treated as a failure.
func (r *run) ensureManifest(ctx context.Context) error {
	path := filepath.Join(r.c.Dir, manifestFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	r.c.Logf("Manifest %s doesn't exist.", manifestFile)
	ok, err := r.confirm("Generate it with rsconnect?")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", manifestFile, errAborted)
	}

	var errbuf bytes.Buffer
	gen := exec.CommandContext(ctx, manifestArgs[0], manifestArgs[1:]...)
	gen.Dir = r.c.Dir
	gen.Stderr = &errbuf
	runErr := gen.Run()
	if errbuf.Len() > 0 {
		return fmt.Errorf("%w:\n%s", errManifestGen, errbuf.String())
	}
	if runErr != nil {
		return runErr
	}

	r.cleanOnError = append(r.cleanOnError, path)
	r.c.Logf("Generated %s.", manifestFile)
	return nil
}
