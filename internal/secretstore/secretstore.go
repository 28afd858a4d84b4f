// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secretstore seals the HuggingFace token the download coordinator
// holds for authenticated downloads, using memguard so the plaintext token
// never sits in an ordinary, swappable, GC-visible Go string longer than the
// single call that needs it.
package secretstore

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Token wraps a sealed HF token. The zero value holds no secret.
type Token struct {
	enclave *memguard.Enclave
}

// Seal copies plaintext into a locked buffer and destroys the original
// buffer, returning a Token that only yields the value back through Reveal.
func Seal(plaintext string) *Token {
	if plaintext == "" {
		return &Token{}
	}
	buf := memguard.NewBufferFromBytes([]byte(plaintext))
	return &Token{enclave: buf.Seal()}
}

// Empty reports whether no secret was ever sealed.
func (t *Token) Empty() bool {
	return t == nil || t.enclave == nil
}

// Reveal opens the enclave for the duration of fn, ensuring the decrypted
// buffer is wiped before Reveal returns regardless of how fn exits.
func (t *Token) Reveal(fn func(plaintext string) error) error {
	if t.Empty() {
		return fn("")
	}
	buf, err := t.enclave.Open()
	if err != nil {
		return fmt.Errorf("secretstore: open enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(string(buf.Bytes()))
}

// Purge wipes all memguard-managed memory; call once at process shutdown.
func Purge() {
	memguard.Purge()
}
