// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build version stamped into job environments
// and logs
package version

// Version is the gridrun version; overridden at build time via
// -ldflags "-X github.com/jontk/gridrun/internal/version.Version=..."
var Version = "dev"
