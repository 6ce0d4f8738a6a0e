// Package jsonx decodes low-trust JSON request bodies.
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps what DecodeStrictBody reads.
const MaxBodyBytes = 1 << 20

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data after JSON value")
	ErrBodyTooLarge = errors.New("body too large")
)

// DecodeStrictBody decodes exactly one JSON value from r's body into dst,
// rejecting unknown fields and trailing data. An empty body is ErrEmptyBody
// unless allowEmpty is set, in which case dst is left untouched.
//
// Only shape is checked; required fields and ranges are the caller's job.
// Every error maps to 400 Bad Request.
func DecodeStrictBody(r *http.Request, dst any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return ErrEmptyBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if allowEmpty {
			return nil
		}
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ErrTrailingJSON
	}
	return nil
}
