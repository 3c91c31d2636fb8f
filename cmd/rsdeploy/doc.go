// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Rsdeploy publishes an application to an RStudio Connect server.

It assembles a tar.gz bundle from the project files (the manifest, the
entry point, renv.lock and .Rprofile, plus anything listed in
rsdeploy.yml), registers a content record on the server (or reuses the
one whose GUID is stored in the .rsdeploy-guid marker file), uploads the
bundle, starts a deployment task and polls it until the server reports
completion, then prints the URL the content is served at.

# Usage

	$ rsdeploy [flags] <title>

Arguments:

  - title: The content title shown on the server.

# Environment Variables

  - CONNECT_SERVER: The base URL of the Connect server.
  - CONNECT_API_KEY: The API key used to authenticate. If unset, the
    system keyring is consulted; store a key there with -save-key.

# Files

  - rsdeploy.yml: Optional per-project configuration (entrypoint, extra
    bundle files, poll limit).
  - .rsdeploy-guid: The GUID of the content record issued on first
    deployment, reused by subsequent ones. Delete it to register fresh
    content.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/base/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
