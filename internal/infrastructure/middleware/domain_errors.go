package middleware

import (
	stderrors "errors"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/pkg/errors"
)

// MapError translates core errors into AppErrors. Errors that are already
// AppErrors pass through unchanged and anything unrecognised becomes an
// internal error.
func MapError(err error) *errors.AppError {
	if errors.IsAppError(err) {
		return errors.GetAppError(err)
	}

	var appErr *errors.AppError
	switch {
	case stderrors.Is(err, domain.ErrConnectionNotFound):
		appErr = errors.NewNotFoundError("connection")
	case stderrors.Is(err, domain.ErrNoSessionKey):
		appErr = errors.NewNotFoundError("session key")
	case stderrors.Is(err, domain.ErrNotParticipant):
		appErr = errors.NewForbiddenError(err.Error())
	case stderrors.Is(err, domain.ErrConnectionExists):
		appErr = errors.NewConflictError(err.Error())
	case stderrors.Is(err, domain.ErrSignalingDisabled):
		appErr = errors.NewDisabledError("signaling")
	case stderrors.Is(err, domain.ErrEncryptionDisabled):
		appErr = errors.NewDisabledError("encryption")
	case stderrors.Is(err, domain.ErrInvalidKey):
		appErr = errors.NewInvalidKeyError(err.Error())
	case stderrors.Is(err, domain.ErrInvalidParticipants),
		stderrors.Is(err, domain.ErrInvalidMessageType),
		stderrors.Is(err, domain.ErrInvalidPayload):
		appErr = errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, domain.ErrCryptoFailure):
		appErr = errors.NewCryptoFailureError(err.Error())
	case stderrors.Is(err, domain.ErrMissingKeyPair):
		appErr = errors.NewMissingKeyPairError(err.Error())
	case stderrors.Is(err, domain.ErrRecipientOffline):
		appErr = errors.NewServiceUnavailableError(err.Error())
	case stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken),
		stderrors.Is(err, services.ErrUnauthorized):
		appErr = errors.NewUnauthorizedError(err.Error())
	default:
		appErr = errors.NewInternalError("internal server error")
	}
	return appErr.WithCause(err)
}
