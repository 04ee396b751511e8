package main

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/scan"
)

// Command-level errors
var (
	// ErrScenario indicates the scenario file is malformed or refers to unknown clients.
	ErrScenario = errors.New("invalid scenario")
)

// FormatUserError turns known errors into a message for the terminal.
func FormatUserError(err error) string {
	var reject *scan.RejectError
	var status *advertise.StatusError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, fs.ErrNotExist):
		return "file not found: " + err.Error()
	case errors.Is(err, registry.ErrUnknownClient):
		return "the client is not registered"
	case errors.As(err, &reject):
		switch reject.Reason {
		case scan.ReasonUnsupported:
			return "the controller cannot offload this scan (filtering or batching unsupported)"
		case scan.ReasonThrottled:
			return "the application started too many scans in a short time; try again later"
		case scan.ReasonDuplicate:
			return "a scan is already running for this client"
		}
		return reject.Error()
	case errors.As(err, &status):
		return "advertising failed: " + strings.ReplaceAll(status.Status.String(), "_", " ")
	default:
		return err.Error()
	}
}
