// Package errs holds the error taxonomy shared by the subscription engine.
//
// Callers match categories with errors.Is(err, errs.ErrNotFound) or
// errors.Is(err, errs.ErrParse); the typed values carry the detail.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrParse    = errors.New("parse error")
)

// NotFoundError reports a missing channel type, channel, robot or subscription target.
type NotFoundError struct {
	What string // "channel type", "channel", "robot", "template"
	Key  string
	Msg  string
}

func (e *NotFoundError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Key == "" {
		return e.What + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ParseError reports malformed input (identity strings, producer responses).
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

func ChannelTypeNotFound(channelType string) error {
	return &NotFoundError{What: "channel type", Key: channelType, Msg: "Channel type not found"}
}

func ChannelNotFound(path string) error {
	return &NotFoundError{What: "channel", Key: path, Msg: "Channel not found"}
}

func NoDefaultTemplate(channelType, robotType string) error {
	return &NotFoundError{What: "template", Key: channelType + "@" + robotType, Msg: "No default template found"}
}
