package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/asaskevich/govalidator"
)

// ValidationError collects every failed rule of a request body.
type ValidationError struct {
	Fields   map[string]string
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "<br/>")
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
	e.Messages = append(e.Messages, message)
}

func (e *ValidationError) empty() bool {
	return len(e.Messages) == 0
}

type createSessionRequest struct {
	Scan    *bool  `json:"scan"`
	Session string `json:"session" valid:"required~session is required"`
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId" valid:"required~sessionId is required"`
	Phone     string `json:"phone" valid:"required~phone is required"`
	Message   string `json:"message" valid:"required~message is required"`
}

// decodeBody reads a JSON body. An empty body decodes to the zero value so
// that missing fields are reported by validation.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// validateStruct runs the valid tags of s and appends failures to verr.
func validateStruct(s interface{}, verr *ValidationError) {
	if _, err := govalidator.ValidateStruct(s); err != nil {
		collectErrors(err, verr)
	}
}

func collectErrors(err error, verr *ValidationError) {
	var list govalidator.Errors
	if errors.As(err, &list) {
		for _, e := range list.Errors() {
			collectErrors(e, verr)
		}
		return
	}

	var fieldErr govalidator.Error
	if errors.As(err, &fieldErr) {
		verr.add(fieldErr.Name, fieldErr.Error())
		return
	}
	verr.add("body", err.Error())
}

func (req createSessionRequest) validate() *ValidationError {
	verr := &ValidationError{}
	if req.Scan == nil {
		verr.add("scan", "scan is required")
	}
	validateStruct(req, verr)
	if verr.empty() {
		return nil
	}
	return verr
}

func (req sendMessageRequest) validate() *ValidationError {
	verr := &ValidationError{}
	validateStruct(req, verr)
	if verr.empty() {
		return nil
	}
	return verr
}
