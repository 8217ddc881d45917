// Package ratelimit implements the per-connection message gate: slow-mode
// enforcement plus a leaky-bucket approximation for rapid-fire detection. It
// suppresses bursts; it is not a hard guarantee.
package ratelimit

import "time"

const (
	// RapidFireWindow is the interval under which consecutive messages count
	// toward the flood counter.
	RapidFireWindow = 200 * time.Millisecond
	// FloodLimit is the number of consecutive rapid-fire messages that
	// triggers an automatic mute. The limit is inclusive: the fifth message
	// inside the window mutes.
	FloodLimit = 5
)

// State is the per-connection timing state. It lives on the registry session
// and resets with the connection.
type State struct {
	LastAccepted time.Time
	FloodCount   int
}

// Outcome classifies a gate decision.
type Outcome int

const (
	// Accepted lets the message through.
	Accepted Outcome = iota
	// SlowModeLimited rejects the message; Verdict.Wait carries the remaining
	// delay.
	SlowModeLimited
	// FloodMuted accepts nothing and signals the caller to mute the sender.
	FloodMuted
)

// Verdict is the result of checking one inbound message.
type Verdict struct {
	Outcome Outcome
	Wait    time.Duration
}

// Check evaluates the gate for one inbound chat message. The input state is
// never mutated: the successor state is returned alongside the verdict, and
// the caller stores it only once the message actually posts, so a message
// dropped by a later gate does not burn the sender's slow-mode window.
// Admins are exempt from both slow mode and flood muting.
func Check(state State, now time.Time, slowMode time.Duration, admin bool) (Verdict, State) {
	if admin {
		return Verdict{Outcome: Accepted}, State{LastAccepted: now}
	}

	elapsed := now.Sub(state.LastAccepted)
	if slowMode > 0 && !state.LastAccepted.IsZero() && elapsed < slowMode {
		// Rejected with the state untouched so the wait does not extend.
		return Verdict{Outcome: SlowModeLimited, Wait: slowMode - elapsed}, state
	}

	next := State{LastAccepted: now}
	if !state.LastAccepted.IsZero() && elapsed < RapidFireWindow {
		next.FloodCount = state.FloodCount + 1
		if next.FloodCount >= FloodLimit {
			// The mute set carries the consequence; the timing state stays
			// as it was.
			return Verdict{Outcome: FloodMuted}, state
		}
	}
	return Verdict{Outcome: Accepted}, next
}
