package push

import (
	"log/slog"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
)

// EnsureVAPIDKeys returns the configured key pair, or generates a fresh one
// when either half is missing. Generated keys only live as long as the
// process, so every browser has to resubscribe after a restart.
func EnsureVAPIDKeys(publicKey, privateKey string, logger *slog.Logger) (string, string, error) {
	if publicKey != "" && privateKey != "" {
		return publicKey, privateKey, nil
	}

	logger.Warn("VAPID keys not found in environment, generating ephemeral keys")
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", errors.Wrap(err, "generate VAPID keys")
	}
	logger.Info("generated VAPID keys, add them to .env to persist them",
		"VAPID_PUBLIC_KEY", publicKey,
		"VAPID_PRIVATE_KEY", privateKey)
	return publicKey, privateKey, nil
}
