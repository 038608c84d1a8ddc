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

// Package address parses "Name <email>" style header values into ordered
// recipient lists and compares addresses the way the ticket store does.
package address

import (
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/mesadeayuda/ingestion/internal/models"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParseRecipients splits a To/Cc/From header value into recipients.
//
// Commas inside a quoted display name ("Doe, Jane") or inside an angle
// bracket address do not split entries. Entries without a resolvable email
// are dropped. Order and duplicates are preserved.
func ParseRecipients(header string) []models.Recipient {
	var out []models.Recipient
	for _, token := range splitRecipients(header) {
		r, ok := parseToken(token)
		if !ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// FirstEmail returns the email of the first recipient in header, or "".
func FirstEmail(header string) string {
	rs := ParseRecipients(header)
	if len(rs) == 0 {
		return ""
	}
	return rs[0].Email
}

// Normalize trims and lower-cases an email address for comparison.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Equal compares two addresses case-insensitively, ignoring surrounding whitespace.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// IsValid reports whether s is a bare, syntactically valid email address.
func IsValid(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "<>\" ") {
		return false
	}
	addr, err := gomail.ParseAddress(s)
	if err != nil {
		return false
	}
	return strings.EqualFold(addr.Address, s)
}

// splitRecipients tokenizes on commas that sit outside quotes and angle brackets.
func splitRecipients(header string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		angle   bool
		escaped bool
	)

	for _, r := range header {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"' && !angle:
			quoted = !quoted
		case r == '<' && !quoted:
			angle = true
		case r == '>' && !quoted:
			angle = false
		case r == ',' && !quoted && !angle:
			tokens = append(tokens, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	tokens = append(tokens, current.String())
	return tokens
}

func parseToken(token string) (models.Recipient, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Recipient{}, false
	}

	open := strings.LastIndex(token, "<")
	if open >= 0 {
		rest := token[open+1:]
		end := strings.Index(rest, ">")
		if end < 0 {
			return models.Recipient{}, false
		}
		email := strings.TrimSpace(rest[:end])
		if !IsValid(email) {
			return models.Recipient{}, false
		}
		return models.Recipient{
			Name:  cleanName(token[:open]),
			Email: email,
		}, true
	}

	if IsValid(token) {
		return models.Recipient{Email: token}, true
	}
	return models.Recipient{}, false
}

// cleanName strips whitespace and surrounding quotes, unescapes quoted
// pairs and decodes RFC 2047 encoded-words.
func cleanName(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.Trim(name, `"'`)
	name = strings.TrimSpace(name)
	if strings.Contains(name, `\`) {
		name = strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(name)
	}
	if strings.Contains(name, "=?") {
		if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
			name = decoded
		}
	}
	return name
}
