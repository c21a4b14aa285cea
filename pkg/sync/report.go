/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sync

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	markerLocal  = "<<<<<<< Local\n"
	markerSep    = "=======\n"
	markerServer = ">>>>>>> Server\n"
)

// conflictReport returns the line differences between the local and remote
// content of a note, with conflicting lines between markers. It returns an
// empty string when both are the same.
func conflictReport(local, server string) string {
	if local == server {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(local, server)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var buf strings.Builder
	var localHunk, serverHunk strings.Builder

	flush := func() {
		if localHunk.Len() == 0 && serverHunk.Len() == 0 {
			return
		}

		buf.WriteString(markerLocal)
		buf.WriteString(terminate(localHunk.String()))
		buf.WriteString(markerSep)
		buf.WriteString(terminate(serverHunk.String()))
		buf.WriteString(markerServer)

		localHunk.Reset()
		serverHunk.Reset()
	}

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			localHunk.WriteString(d.Text)
		case diffmatchpatch.DiffInsert:
			serverHunk.WriteString(d.Text)
		case diffmatchpatch.DiffEqual:
			flush()
			buf.WriteString(terminate(d.Text))
		}
	}
	flush()

	return buf.String()
}

func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}

	return s + "\n"
}
