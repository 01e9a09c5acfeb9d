package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a sync failure
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindCanceled
	KindConfigError
	KindNetworkError
	KindAuthenticationError
	KindProxyAuthenticationError
	KindServerQuotaExceeded
	KindClientQuotaExceeded
	KindItemNotSupported
	KindPaymentRequired
	KindUnknownMediaException
	KindLoginFailure
	KindReadLocalItemsError
	KindGenericSyncError
)

var kindNames = map[ErrorKind]string{
	KindNone:                     "none",
	KindCanceled:                 "canceled",
	KindConfigError:              "config_error",
	KindNetworkError:             "network_error",
	KindAuthenticationError:      "authentication_error",
	KindProxyAuthenticationError: "proxy_authentication_error",
	KindServerQuotaExceeded:      "server_quota_exceeded",
	KindClientQuotaExceeded:      "client_quota_exceeded",
	KindItemNotSupported:         "item_not_supported",
	KindPaymentRequired:          "payment_required",
	KindUnknownMediaException:    "unknown_media",
	KindLoginFailure:             "login_failure",
	KindReadLocalItemsError:      "read_local_items_error",
	KindGenericSyncError:         "generic_sync_error",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// StopsSession reports whether a failure of this kind ends the whole session
// instead of only the current phase
func (k ErrorKind) StopsSession() bool {
	switch k {
	case KindCanceled, KindNetworkError, KindAuthenticationError,
		KindProxyAuthenticationError, KindLoginFailure, KindPaymentRequired:
		return true
	}
	return false
}

// LoginFailureCode numbers the login failure variants
type LoginFailureCode int

const (
	LoginFailureNone LoginFailureCode = iota
	LoginFailureInvalidCredentials
	LoginFailureAccountLocked
	LoginFailureAccountExpired
	LoginFailureDeviceNotAuthorized
	LoginFailureTooManyDevices
	LoginFailureTermsNotAccepted
	LoginFailureServerRejected
	LoginFailureUnknown
)

// SyncError is a classified sync failure
type SyncError struct {
	Kind         ErrorKind
	LoginFailure LoginFailureCode
	Message      string
}

func (e SyncError) Error() string {
	if e.Kind == KindLoginFailure {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.LoginFailure, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on kind so wrapped errors compare against the sentinels below
func (e SyncError) Is(target error) bool {
	t, ok := target.(SyncError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewSyncError builds a SyncError with a formatted message
func NewSyncError(kind ErrorKind, format string, args ...interface{}) SyncError {
	return SyncError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewLoginFailure builds a login failure of the given variant
func NewLoginFailure(code LoginFailureCode, message string) SyncError {
	return SyncError{Kind: KindLoginFailure, LoginFailure: code, Message: message}
}

// KindOf extracts the kind of err, or KindGenericSyncError for unclassified errors
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var se SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindGenericSyncError
}

var (
	ErrCanceled            = SyncError{Kind: KindCanceled, Message: "sync canceled"}
	ErrConfig              = SyncError{Kind: KindConfigError, Message: "invalid configuration"}
	ErrNetwork             = SyncError{Kind: KindNetworkError, Message: "network error"}
	ErrAuthentication      = SyncError{Kind: KindAuthenticationError, Message: "authentication failed"}
	ErrProxyAuthentication = SyncError{Kind: KindProxyAuthenticationError, Message: "proxy authentication failed"}
	ErrServerQuotaExceeded = SyncError{Kind: KindServerQuotaExceeded, Message: "server quota exceeded"}
	ErrClientQuotaExceeded = SyncError{Kind: KindClientQuotaExceeded, Message: "local storage quota exceeded"}
	ErrItemNotSupported    = SyncError{Kind: KindItemNotSupported, Message: "item not supported"}
	ErrPaymentRequired     = SyncError{Kind: KindPaymentRequired, Message: "payment required"}
	ErrUnknownMedia        = SyncError{Kind: KindUnknownMediaException, Message: "unknown media"}
	ErrReadLocalItems      = SyncError{Kind: KindReadLocalItemsError, Message: "cannot read local items"}
	ErrGenericSync         = SyncError{Kind: KindGenericSyncError, Message: "sync failed"}
)
