// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"errors"
	"fmt"
)

// ErrNotConfigured means the Gmail integration has not been set up. Callers
// skip work instead of treating it as an operational failure.
var ErrNotConfigured = errors.New("gmail integration not configured")

// AuthError reports a failed OAuth exchange or refresh.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// FetchError reports a failed call to the mail API.
type FetchError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *FetchError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a message payload that could not be read.
type ParseError struct {
	MessageID string
	Err       error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse message %s: %v", e.MessageID, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError reports a failed ticket, comment or attachment write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
