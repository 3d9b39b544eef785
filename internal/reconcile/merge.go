// Package reconcile folds append-only delivery events into one canonical
// status per provider message.
package reconcile

import "github.com/unclebandit/waleopard-engine/internal/model"

// Apply merges ev into current. The event wins when it is strictly newer, or
// when it shares the timestamp and has strictly higher severity
// (failed > read > delivered > sent). Equal time and severity keeps current.
// Events that cannot be merged are never applied. A false result is a stale
// event and is not an error.
func Apply(current *model.MessageStatus, ev model.DeliveryEvent) (model.MessageStatus, bool) {
	if !ev.Mergeable() {
		if current == nil {
			return model.MessageStatus{}, false
		}
		return *current, false
	}
	if current != nil && !supersedes(ev, *current) {
		return *current, false
	}
	return model.MessageStatus{
		ExternalMessageID: ev.ExternalMessageID,
		Status:            ev.Status,
		EventAt:           ev.EventAt,
		ErrorReason:       errorReason(ev),
	}, true
}

func supersedes(ev model.DeliveryEvent, cur model.MessageStatus) bool {
	if ev.EventAt.After(cur.EventAt) {
		return true
	}
	return ev.EventAt.Equal(cur.EventAt) && model.Severity(ev.Status) > model.Severity(cur.Status)
}

func errorReason(ev model.DeliveryEvent) string {
	if ev.Status != model.StatusFailed {
		return ""
	}
	switch {
	case ev.ErrorReason != "" && ev.ErrorCode != "":
		return ev.ErrorCode + ": " + ev.ErrorReason
	case ev.ErrorReason != "":
		return ev.ErrorReason
	}
	return ev.ErrorCode
}

// Fold replays events in the given order. It returns nil when none applied.
func Fold(events []model.DeliveryEvent) *model.MessageStatus {
	var cur *model.MessageStatus
	for _, ev := range events {
		next, applied := Apply(cur, ev)
		if applied {
			cur = &next
		}
	}
	return cur
}
