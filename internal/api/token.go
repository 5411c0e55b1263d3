// Copyright 2025 James Ross
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// claims is the compact-token payload. Two flavors share this shape:
// a bearer claim (sub only, issued by an external auth system we do
// not build) and a download-scoped claim (sub + job-id + path, minted
// by this service for a single file-downloads instruction).
type claims struct {
	Sub   string `json:"sub"`
	JobID string `json:"job_id,omitempty"`
	Path  string `json:"path,omitempty"`
	Exp   int64  `json:"exp"`
}

// sign produces a three-part base64url token, header.payload.signature,
// using the hand-rolled HMAC scheme that verify checks (no JWT library
// is used).
func sign(secret string, c claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"ORCH"}`))
	body := base64.RawURLEncoding.EncodeToString(payload)
	message := header + "." + body

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	sig := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return message + "." + sig, nil
}

func verify(secret, token string) (*claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed token")
	}

	message := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed signature")
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	if !hmac.Equal(sig, h.Sum(nil)) {
		return nil, fmt.Errorf("invalid signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed payload")
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("malformed claims")
	}
	if time.Now().Unix() > c.Exp {
		return nil, fmt.Errorf("token expired")
	}
	return &c, nil
}

// SignDownloadToken mints a token scoped to exactly one job's file
// download, per spec.md §4.J step 3. The node presents it as the
// Authorization bearer when fetching the pre-flight input file.
func SignDownloadToken(secret string, ttl time.Duration, jobID, path string) (string, error) {
	return sign(secret, claims{
		Sub:   "node-download",
		JobID: jobID,
		Path:  path,
		Exp:   time.Now().Add(ttl).Unix(),
	})
}

