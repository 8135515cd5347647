// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import "errors"

// Status is a CTAP status code. It is always the first byte of a response
// and, on any value other than [StatusSuccess], is the entire response.
//
//	response = status-byte / (status-byte cbor-response)
type Status byte

// Status codes relevant to the MakeCredential/GetAssertion policy machines.
// Names and values follow the CTAP2 status-code table; vendor-specific and
// CTAP1/U2F-only codes are omitted.
const (
	StatusSuccess                Status = 0x00
	StatusInvalidCommand         Status = 0x01
	StatusInvalidParameter       Status = 0x02
	StatusInvalidLength          Status = 0x03
	StatusInvalidCBOR            Status = 0x12
	StatusMissingParameter       Status = 0x14
	StatusUnsupportedExtension   Status = 0x16
	StatusCredentialExcluded     Status = 0x19
	StatusUnsupportedAlgorithm   Status = 0x26
	StatusOperationDenied        Status = 0x27
	StatusKeyStoreFull           Status = 0x28
	StatusUnsupportedOption      Status = 0x2B
	StatusInvalidOption          Status = 0x2C
	StatusNoCredentials          Status = 0x2E
	StatusNotAllowed             Status = 0x30
	StatusPinInvalid             Status = 0x31
	StatusPinAuthInvalid         Status = 0x33
	StatusPinNotSet              Status = 0x35
	StatusPinRequired            Status = 0x36
	StatusUvInvalid              Status = 0x3D
	StatusErrOther               Status = 0x7F
)

// Error adapts a [Status] to the error interface so that handler internals
// can use normal Go error propagation up to the point where a step's
// result is turned into a wire response.
type Error struct {
	Status Status
}

func (e *Error) Error() string {
	if name, ok := statusNames[e.Status]; ok {
		return name
	}
	return "ctap2: unknown status"
}

// AsStatus reports the [Status] carried by err, or [StatusErrOther] if err
// is non-nil but not a [*Error]. A nil err reports [StatusSuccess].
func AsStatus(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ctapErr *Error
	if errors.As(err, &ctapErr) {
		return ctapErr.Status
	}
	return StatusErrOther
}

func statusErr(s Status) error { return &Error{Status: s} }

var statusNames = map[Status]string{
	StatusSuccess:              "ctap1_err_success",
	StatusInvalidCommand:       "ctap1_err_invalid_command",
	StatusInvalidParameter:     "invalid_parameter",
	StatusInvalidLength:        "ctap1_err_invalid_length",
	StatusInvalidCBOR:          "invalid_cbor",
	StatusMissingParameter:     "missing_parameter",
	StatusUnsupportedExtension: "unsupported_extension",
	StatusCredentialExcluded:   "credential_excluded",
	StatusUnsupportedAlgorithm: "unsupported_algorithm",
	StatusOperationDenied:      "operation_denied",
	StatusKeyStoreFull:         "key_store_full",
	StatusUnsupportedOption:    "unsupported_option",
	StatusInvalidOption:        "invalid_option",
	StatusNoCredentials:        "no_credentials",
	StatusNotAllowed:           "not_allowed",
	StatusPinInvalid:           "pin_invalid",
	StatusPinAuthInvalid:       "pin_auth_invalid",
	StatusPinNotSet:            "pin_not_set",
	StatusPinRequired:          "pin_required",
	StatusUvInvalid:            "uv_invalid",
	StatusErrOther:             "ctap1_err_other",
}
