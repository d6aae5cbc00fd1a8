package anthropic

import (
	"context"
	"errors"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/davidbz/kiln/internal/domain"
)

// classify maps raw SDK failures into the gateway's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apierr *anthropicsdk.Error
	if !errors.As(err, &apierr) {
		return domain.NewProviderError(domain.ErrNetwork, providerName, err.Error(), err)
	}

	kind := domain.ErrNetwork
	switch apierr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = domain.ErrAuthentication
	case http.StatusTooManyRequests:
		kind = domain.ErrRateLimit
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		kind = domain.ErrValidation
	default:
		if apierr.StatusCode >= http.StatusInternalServerError {
			kind = domain.ErrProviderUnavailable
		}
	}

	return domain.NewProviderError(kind, providerName, apierr.Error(), err)
}
