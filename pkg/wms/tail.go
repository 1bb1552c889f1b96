// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package wms

import (
	"context"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
)

// tailChunkSize is the read granularity of the output tail
const tailChunkSize = 1024

// TailOutput follows a captured output file inside a sandbox and streams
// appended bytes until the context is cancelled. The returned channel is
// closed when tailing ends.
func TailOutput(ctx context.Context, path string) (<-chan []byte, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer file.Close()
		defer watcher.Close()

		buf := make([]byte, tailChunkSize)
		for {
			n, err := file.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err == nil {
				continue
			}
			if err != io.EOF {
				return
			}
			// Caught up; wait for the file to grow
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok || watchErr != nil {
					return
				}
			}
		}
	}()
	return out, nil
}
