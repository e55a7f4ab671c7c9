// Package events fans out store lifecycle notifications (blocked upgrades,
// version changes from other sessions, completed upgrades, closes) to any
// number of in-process subscribers.
package events
