// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import stderrors "errors"

// As finds the first error in err's chain that matches target. It forwards to
// the standard library so callers never need both error packages imported.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// New returns a plain error with the given text
func New(text string) error {
	return stderrors.New(text)
}
