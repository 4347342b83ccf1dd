package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body, optionally
// prefixed with "sha256=".
const signatureHeader = "X-PeePal-Signature"

var (
	errMissingSignature   = errors.New("missing signature")
	errMalformedSignature = errors.New("signature is not hex")
	errSignatureMismatch  = errors.New("signature mismatch")
)

// Sign returns the value operators put in X-PeePal-Signature for body.
func Sign(body []byte, secret string) string {
	return hex.EncodeToString(bodyMAC(body, []byte(secret)))
}

func bodyMAC(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// verifySignature checks the request signature and leaves r.Body readable
// for the next handler.
func verifySignature(r *http.Request, secret []byte) error {
	sig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(signatureHeader)), "sha256=")
	if sig == "" {
		return errMissingSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errMalformedSignature
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Wrap(err, "read signed body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !hmac.Equal(got, bodyMAC(body, secret)) {
		return errSignatureMismatch
	}
	return nil
}

// AdminMiddleware guards operator routes. Without ADMIN_SECRET they stay open.
func (h *Handler) AdminMiddleware(next http.Handler) http.Handler {
	if h.AdminSecret == "" {
		return next
	}
	secret := []byte(h.AdminSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := verifySignature(r, secret)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.Logger.Warn("rejected operator request",
			"path", r.URL.Path,
			"reason", err.Error(),
			"request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusUnauthorized, "Invalid signature")
	})
}
