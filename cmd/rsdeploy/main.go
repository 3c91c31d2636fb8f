// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"go.astrophena.name/base/cli"
	"go.astrophena.name/rsdeploy/internal/deploy"

	"github.com/zalando/go-keyring"
)

func main() { cli.Main(new(app)) }

const keyringService = "rsdeploy"

type app struct {
	yes       bool
	no        bool
	verbose   bool
	watch     bool
	dir       string
	pollLimit int
	saveKey   bool
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&a.yes, "yes", false, "Assume yes at every prompt.")
	fs.BoolVar(&a.no, "no", false, "Assume no at every prompt.")
	fs.BoolVar(&a.verbose, "verbose", false, "Show upload progress.")
	fs.BoolVar(&a.watch, "watch", false, "Keep watching the project directory and redeploy on changes.")
	fs.StringVar(&a.dir, "dir", ".", "Deploy the project in `dir`.")
	fs.IntVar(&a.pollLimit, "poll-limit", 0, "Give up after `n` deployment status polls (0 means never).")
	fs.BoolVar(&a.saveKey, "save-key", false, "Read an API key from stdin, store it in the system keyring and exit.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	server := env.Getenv("CONNECT_SERVER")
	if server == "" {
		return errors.New("CONNECT_SERVER environment variable is not set")
	}

	if a.saveKey {
		return saveKey(env, server)
	}

	if a.yes && a.no {
		return fmt.Errorf("%w: -yes and -no are mutually exclusive", cli.ErrInvalidArgs)
	}
	if len(env.Args) != 1 {
		return fmt.Errorf("%w: want a content title", cli.ErrInvalidArgs)
	}
	title := env.Args[0]

	apiKey := env.Getenv("CONNECT_API_KEY")
	if apiKey == "" {
		key, err := keyring.Get(keyringService, server)
		if err != nil {
			return errors.New("CONNECT_API_KEY environment variable is not set and the system keyring has no key for this server")
		}
		apiKey = key
	}

	decision := deploy.Ask
	switch {
	case a.yes:
		decision = deploy.Yes
	case a.no:
		decision = deploy.No
	}

	c := &deploy.Config{
		Server:    server,
		APIKey:    apiKey,
		Title:     title,
		Dir:       a.dir,
		Decision:  decision,
		Verbose:   a.verbose,
		PollLimit: a.pollLimit,
		Stdin:     env.Stdin,
	}

	if a.watch {
		return deploy.Watch(ctx, c)
	}
	return deploy.Deploy(ctx, c)
}

// saveKey reads an API key from stdin and stores it in the system
// keyring, so CONNECT_API_KEY doesn't have to be exported in every
// shell.
func saveKey(env *cli.Env, server string) error {
	b, err := io.ReadAll(env.Stdin)
	if err != nil {
		return err
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return errors.New("no API key provided on stdin")
	}
	if err := keyring.Set(keyringService, server, key); err != nil {
		return err
	}
	fmt.Fprintf(env.Stderr, "Stored API key for %s in the system keyring.\n", server)
	return nil
}
