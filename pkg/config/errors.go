// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrMissingWorkPath is returned when no work path is configured
	ErrMissingWorkPath = errors.New("work path is required")

	// ErrInvalidWallTime is returned when the wall time requirement is not positive
	ErrInvalidWallTime = errors.New("wall time must be positive")

	// ErrInvalidCPUs is returned when fewer than one cpu is requested
	ErrInvalidCPUs = errors.New("cpus must be at least 1")
)
