// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debouncer delays execution of a function until a specified duration has
// passed without any new events.
type debouncer struct {
	d  time.Duration
	mu sync.Mutex
	f  func()
	t  *time.Timer
}

// newDebouncer creates a new debouncer.
func newDebouncer(d time.Duration, f func()) *debouncer {
	return &debouncer{
		d: d,
		f: f,
	}
}

// Do schedules a function to be executed.
func (d *debouncer) Do() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.t != nil {
		d.t.Stop()
	}

	d.t = time.AfterFunc(d.d, d.f)
}

var watchReadyHook func() // used in tests, called when Watch started watching

// Watch deploys the project, then keeps watching the project directory
// and redeploys on every change until ctx is canceled. An initial
// deployment failure aborts; a redeployment failure is only logged, so a
// bad save doesn't kill the watch loop.
func Watch(ctx context.Context, c *Config) error {
	c.setDefaults()

	if err := Deploy(ctx, c); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(c.Dir); err != nil {
		return err
	}

	redeploy := func() {
		c.Logf("Triggering deployment.")
		if err := Deploy(ctx, c); err != nil {
			c.Logf("Failed to redeploy: %v", err)
		}
	}
	// It's better to have a bit of delay, so that we don't start
	// redeploying on each keystroke.
	debouncer := newDebouncer(500*time.Millisecond, redeploy)

	c.Logf("Started watching for changes.")
	if watchReadyHook != nil {
		watchReadyHook()
	}

	for {
		select {
		case event := <-watcher.Events:
			if !shouldRedeploy(event.Name, event.Op) {
				continue
			}
			c.Logf("Changed %s, scheduling deployment.", event.Name)
			debouncer.Do()
		case err := <-watcher.Errors:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// Copied from
// https://github.com/brandur/modulir/blob/1ff912fdc45a79cb4d8d9f199d213ae9c3598cbd/watch.go#L201.
func shouldRedeploy(path string, op fsnotify.Op) bool {
	base := filepath.Base(path)

	// Artifacts written by the run itself must not retrigger it.
	if base == archiveFile || base == markerFile {
		return false
	}

	// Mac OS' worst mistake.
	if base == ".DS_Store" {
		return false
	}

	// Vim creates this temporary file to see whether it can write into a target
	// directory. It screws up our watching algorithm, so ignore it.
	if base == "4913" {
		return false
	}

	// A special case, but ignore creates on files that look like Vim backups.
	if strings.HasSuffix(base, "~") {
		return false
	}

	if op&fsnotify.Create != 0 {
		return true
	}

	if op&fsnotify.Remove != 0 {
		return true
	}

	if op&fsnotify.Write != 0 {
		return true
	}

	/*
		Ignore everything else. Rationale:

		* chmod: we don't really care about these as they won't affect what
		gets deployed (unless potentially we no longer can read the file,
		but we'll go down that path if it ever becomes a problem).

		* rename: will produce a following create event as well, so just
		listen for that instead.
	*/
	return false
}
