// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secretstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealAndReveal(t *testing.T) {
	tok := Seal("hf_abcdef123456")
	require.False(t, tok.Empty())

	var revealed string
	err := tok.Reveal(func(plaintext string) error {
		revealed = plaintext
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "hf_abcdef123456", revealed)
}

func TestEmptyTokenRevealsEmptyString(t *testing.T) {
	tok := Seal("")
	require.True(t, tok.Empty())

	var revealed string
	err := tok.Reveal(func(plaintext string) error {
		revealed = plaintext
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "", revealed)
}

func TestNilTokenIsSafe(t *testing.T) {
	var tok *Token
	require.True(t, tok.Empty())
	err := tok.Reveal(func(string) error { return nil })
	require.NoError(t, err)
}
