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

// Package classify flags messages that must never open a ticket or a
// comment: automatic replies from the requester's mail server and replies
// to the help desk's own notifications. Both checks are pure functions of
// the message headers.
package classify

import (
	"strings"

	"github.com/mesadeayuda/ingestion/internal/address"
	"github.com/mesadeayuda/ingestion/internal/models"
)

// NotificationHeader is stamped on every notification the help desk sends.
const NotificationHeader = "X-Helpdesk-Notification"

// autoSubmittedValues are the RFC 3834 Auto-Submitted values that mark a
// machine-generated message.
var autoSubmittedValues = []string{"auto-replied", "auto-generated"}

// autoRespondHeaders carry "yes" on vacation responders that predate RFC 3834.
var autoRespondHeaders = []string{"X-Autoreply", "X-Autorespond"}

// bulkPrecedence lists Precedence values used by lists and responders.
var bulkPrecedence = []string{"bulk", "list", "junk"}

// notificationReplyPrefixes identify replies to the system's own outgoing mail.
var notificationReplyPrefixes = []string{
	"re: [ticket #",
	"re: [pqrs #",
	"re: [compra #",
	"re: tu solicitud",
}

// IsAutoReply reports whether the headers mark an automatic response.
func IsAutoReply(h models.HeaderGetter) bool {
	if h == nil {
		return false
	}

	if containsAny(h.Get("Auto-Submitted"), autoSubmittedValues) {
		return true
	}
	for _, name := range autoRespondHeaders {
		if strings.Contains(strings.ToLower(h.Get(name)), "yes") {
			return true
		}
	}
	return containsAny(h.Get("Precedence"), bulkPrecedence)
}

// IsSystemNotification reports whether the message was produced by, or is a
// reply to, the help desk itself. systemAddress is the mailbox the help desk
// sends from; an empty value disables the sender check.
func IsSystemNotification(h models.HeaderGetter, systemAddress string) bool {
	if h == nil {
		return false
	}

	if strings.EqualFold(strings.TrimSpace(h.Get(NotificationHeader)), "true") {
		return true
	}
	if systemAddress != "" && address.Equal(address.FirstEmail(h.Get("From")), systemAddress) {
		return true
	}
	return containsAny(h.Get("Subject"), notificationReplyPrefixes)
}

// containsAny is a case-insensitive substring match against lower-case needles.
func containsAny(value string, needles []string) bool {
	if value == "" {
		return false
	}
	value = strings.ToLower(value)
	for _, n := range needles {
		if strings.Contains(value, n) {
			return true
		}
	}
	return false
}
