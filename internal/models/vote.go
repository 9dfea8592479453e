package models

import (
	"fmt"
	"strings"
)

// Direction is the button a voter pressed.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ParseDirection accepts "up"/"upvote" and "down"/"downvote".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "upvote":
		return DirectionUp, nil
	case "down", "downvote":
		return DirectionDown, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown vote direction %q", s))
}

// VoteState is a voter's current position on a post.
type VoteState int

const (
	VoteDown VoteState = -1
	VoteNone VoteState = 0
	VoteUp   VoteState = 1
)

// VoteLedger is the votes subtree of a post.
type VoteLedger struct {
	UpVotesCounter   int                  `json:"upVotesCounter"`
	DownVotesCounter int                  `json:"downVotesCounter"`
	Voters           map[string]VoteState `json:"voters,omitempty"`
}

// NewVoteLedger returns an empty ledger.
func NewVoteLedger() *VoteLedger {
	return &VoteLedger{Voters: map[string]VoteState{}}
}

// StateOf returns the voter's state, VoteNone when absent.
func (l *VoteLedger) StateOf(handle string) VoteState {
	if l == nil || l.Voters == nil {
		return VoteNone
	}
	return l.Voters[handle]
}

// Toggle applies one button press and returns the states before and after.
//
//	current  up   down
//	   0     +1    -1
//	  +1      0    -1
//	  -1     +1     0
func (l *VoteLedger) Toggle(handle string, dir Direction) (prev, next VoteState) {
	if l.Voters == nil {
		l.Voters = map[string]VoteState{}
	}
	prev = l.Voters[handle]

	switch dir {
	case DirectionUp:
		next = VoteUp
		if prev == VoteUp {
			next = VoteNone
		}
	case DirectionDown:
		next = VoteDown
		if prev == VoteDown {
			next = VoteNone
		}
	default:
		return prev, prev
	}

	switch prev {
	case VoteUp:
		l.UpVotesCounter--
	case VoteDown:
		l.DownVotesCounter--
	}
	switch next {
	case VoteUp:
		l.UpVotesCounter++
	case VoteDown:
		l.DownVotesCounter++
	}
	l.Voters[handle] = next
	return prev, next
}

// Recount rebuilds both counters from the voter map.
func (l *VoteLedger) Recount() {
	up, down := l.count()
	l.UpVotesCounter = up
	l.DownVotesCounter = down
}

func (l *VoteLedger) count() (up, down int) {
	for _, state := range l.Voters {
		switch state {
		case VoteUp:
			up++
		case VoteDown:
			down++
		}
	}
	return up, down
}

// Score is up votes minus down votes.
func (l *VoteLedger) Score() int {
	if l == nil {
		return 0
	}
	return l.UpVotesCounter - l.DownVotesCounter
}

// Validate checks that both counters agree with the voter map and that every
// state is one of -1, 0, +1.
func (l *VoteLedger) Validate() error {
	for handle, state := range l.Voters {
		if state < VoteDown || state > VoteUp {
			return NewValidationError(fmt.Sprintf("voter %s has invalid state %d", handle, state))
		}
	}
	up, down := l.count()
	if l.UpVotesCounter != up || l.DownVotesCounter != down {
		return NewValidationError(fmt.Sprintf(
			"ledger counters up=%d down=%d disagree with voters up=%d down=%d",
			l.UpVotesCounter, l.DownVotesCounter, up, down))
	}
	return nil
}

// VoteSummary is what a reader needs to render the vote widget.
type VoteSummary struct {
	UpVotes   int       `json:"upVotes"`
	DownVotes int       `json:"downVotes"`
	UserVote  VoteState `json:"userVote"`
}
