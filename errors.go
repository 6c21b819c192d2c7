package main

import (
	"errors"
	"regexp"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrProjectNotFound      = errors.New("project not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrJobTerminal          = errors.New("job already finished")
	ErrInvalidTransition    = errors.New("invalid job transition")
	ErrMemoryNotFound       = errors.New("memory entry not found")
	ErrInvalidID            = errors.New("invalid identifier")
	ErrProtectedProject     = errors.New("the default project cannot be deleted")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// validID reports whether id is safe to use as a path component.
func validID(id string) bool {
	return idPattern.MatchString(id)
}
