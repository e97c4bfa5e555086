package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/feynbound/feynbound/pkg/logger"
)

// manifestKey lives in the expand stage namespace under a name no integral
// key can produce.
var manifestKey = Key{Stage: StageExpand, Primary: "manifest"}

// Manifest describes the inputs a cache was filled from. Entries are keyed
// by integral indices only, so reusing a cache with a different relation
// file or different numeric kinematics would silently mix results.
type Manifest struct {
	Fingerprint string `json:"fingerprint"`
	Family      string `json:"family"`
	CreatedBy   string `json:"created_by"`
}

// CheckManifest records m on first use and warns when the stored manifest
// differs. It returns true when the cache matches.
func CheckManifest(ctx context.Context, store Store, m Manifest, log logger.Logger) (bool, error) {
	var stored Manifest
	err := Get(ctx, store, manifestKey, &stored)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := Put(ctx, store, manifestKey, m); err != nil {
			return false, fmt.Errorf("write cache manifest: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("read cache manifest: %w", err)
	}

	if stored.Fingerprint != m.Fingerprint || stored.Family != m.Family {
		log.WarnWithContext(ctx, "cache was filled from different inputs; stale entries will be reused",
			zap.String("stored_fingerprint", stored.Fingerprint),
			zap.String("fingerprint", m.Fingerprint),
			zap.String("stored_family", stored.Family),
			zap.String("family", m.Family),
		)
		return false, nil
	}
	return true, nil
}
