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

package gmail

import (
	"encoding/base64"
	"strings"
)

// DecodeBase64URL decodes Gmail body data. Gmail uses the URL-safe alphabet;
// padding is optional and a stray standard-alphabet payload is tolerated.
func DecodeBase64URL(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	data = strings.NewReplacer("+", "-", "/", "_", "\r", "", "\n", "").Replace(data)
	data = strings.TrimRight(data, "=")
	return base64.RawURLEncoding.DecodeString(data)
}

// EncodeBase64URL encodes raw bytes in the alphabet Gmail expects for
// outgoing messages (URL-safe, unpadded).
func EncodeBase64URL(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
