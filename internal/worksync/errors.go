package worksync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/worksync/internal/localstore"
)

var (
	ErrNotFound           = localstore.ErrNotFound
	ErrInvalidInput       = localstore.ErrInvalidInput
	ErrStorageUnavailable = localstore.ErrStorageUnavailable

	ErrOffline          = errors.New("offline")
	ErrPendingSync      = errors.New("entity has unsynchronized changes")
	ErrTransientNetwork = errors.New("remote unreachable")
	ErrServerRejection  = errors.New("rejected by server")
	ErrUnknownAction    = errors.New("unknown queue action")
)

// TransientNetworkError is a remote call that never got a server response.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("remote unreachable: %v", e.Err)
	}
	return fmt.Sprintf("remote unreachable: %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

func (e *TransientNetworkError) Is(target error) bool {
	return target == ErrTransientNetwork
}

// ServerRejection is a 4xx/5xx answer from the remote authority.
type ServerRejection struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerRejection) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *ServerRejection) Is(target error) bool {
	switch target {
	case ErrServerRejection:
		return true
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// QueueItemFailure records why one queue item could not be replayed.
type QueueItemFailure struct {
	ItemID int64  `json:"itemId"`
	Action string `json:"action"`
	Err    error  `json:"-"`
}

func (e *QueueItemFailure) Error() string {
	return fmt.Sprintf("queue item %d (%s): %v", e.ItemID, e.Action, e.Err)
}

func (e *QueueItemFailure) Unwrap() error {
	return e.Err
}

func (e *QueueItemFailure) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"itemId": e.ItemID,
		"action": e.Action,
		"error":  errorString(e.Err),
	})
}

type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// remoteUnavailable also counts gateway style rejections, which reads may
// fall back from without hiding a semantic refusal.
func remoteUnavailable(err error) bool {
	if IsTransient(err) {
		return true
	}
	var rejection *ServerRejection
	if errors.As(err, &rejection) {
		switch rejection.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
