// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrRunNotFound = errors.New("run not found")
var ErrTranscriptNotFound = errors.New("transcript not found")
