package stack

import "errors"

var (
	// ErrStackNotFound means the named stack is not in the workspace.
	ErrStackNotFound = errors.New("stack not found")

	// ErrStackAlreadyExists means create was called for an existing stack.
	ErrStackAlreadyExists = errors.New("stack already exists")

	// ErrCommitFailed means `but commit` failed for a reason other than
	// having nothing to commit.
	ErrCommitFailed = errors.New("commit failed")

	errNothingToCommit = errors.New("nothing to commit")
)
