// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apierrors

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{ModelNotFound("m1"), http.StatusNotFound},
		{RateLimited(5), http.StatusTooManyRequests},
		{QueueTimeout(), http.StatusGatewayTimeout},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.err.HTTPStatus())
	}
}

func TestWrapPreservesCauseForErrorsAs(t *testing.T) {
	cause := errors.New("backend exploded")
	wrapped := BackendError(cause)

	var apiErr *Error
	require.True(t, errors.As(wrapped, &apiErr))
	require.True(t, errors.Is(wrapped, cause))
	require.Contains(t, wrapped.Error(), "backend exploded")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(5)
	require.Equal(t, 5, err.RetryAfter)
	require.Equal(t, CodeRateLimitExceeded, err.Code)
}

func TestEnvelopeMarshalsSpecShape(t *testing.T) {
	err := RateLimited(5)
	raw, marshalErr := json.Marshal(Envelope{Error: err})
	require.NoError(t, marshalErr)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	body := decoded["error"]
	require.Equal(t, "rate_limit_exceeded", body["code"])
	require.Equal(t, "rate_limit_error", body["type"])
	require.Equal(t, float64(5), body["retry_after"])
	require.NotContains(t, body, "retry_after_sec")
	require.NotContains(t, body, "param")
}

func TestCanonicalCodeStrings(t *testing.T) {
	require.Equal(t, Code("model_not_found"), CodeModelNotFound)
	require.Equal(t, Code("model_unstable"), CodeModelUnstable)
	require.Equal(t, Code("rate_limit_exceeded"), CodeRateLimitExceeded)
	require.Equal(t, Code("idempotency_conflict"), CodeIdempotencyConflict)
	require.Equal(t, Code("not_supported"), CodeNotSupported)
	require.Equal(t, Code("insufficient_disk"), CodeInsufficientDisk)
}
