// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package bundle assembles the archive that is uploaded to a Connect
// server as a new bundle.
package bundle

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Partition splits paths into those that exist in dir and those that
// don't, preserving the order in which they were given.
func Partition(dir string, paths []string) (present, missing []string) {
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			missing = append(missing, p)
			continue
		}
		present = append(present, p)
	}
	return present, missing
}

// Write creates a gzip-compressed tar archive at out containing the given
// files from dir, in the order they are listed. Archive entry names are
// slash-separated and relative to dir.
func Write(out, dir string, files []string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)

	for _, name := range files {
		if err := addFile(tw, dir, name); err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(tw, src)
	return err
}
