// Package schedule keeps, for every live event, the set of armed triggers
// (notify, reminder, and exactly one of repeat/delete) consistent with the
// event's stored state, and runs the side effect of each trigger when it
// fires.
//
// All mutations for one event are serialized by a striped mutex. Repeat
// fires additionally hold a distributed lease so two processes never
// advance the same event twice.
package schedule
