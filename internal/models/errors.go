package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrCorruptData       = errors.New("corrupt data")
	ErrConflict          = errors.New("version conflict")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrEmptyConversation = errors.New("no messages to save")
	ErrInvalidAudio      = errors.New("invalid audio")
	ErrUnauthenticated   = errors.New("invalid username or password")
)
